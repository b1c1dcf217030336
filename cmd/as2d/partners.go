package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-as2/pkg/partner"
)

func newPartnersCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partners",
		Short: "Partner management commands",
	}

	// withApp runs fn against an app built from the configuration
	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, newLogger(cfg.Logging, os.Stderr), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close(ctx)
		return fn(ctx, a)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List partners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				partners, err := a.service.Engine().Directory().List(ctx)
				if err != nil {
					return err
				}
				return listPartners(cmd.OutOrStdout(), partners)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.service.Engine().Directory().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return showPartner(cmd.OutOrStdout(), p)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <partners.yaml>",
		Short: "Import partners from a YAML file into the partner database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				store, err := a.partnerStore()
				if err != nil {
					return err
				}
				file, err := partner.NewFileProvider(args[0])
				if err != nil {
					return err
				}
				records, err := file.List(ctx)
				if err != nil {
					return err
				}
				for _, r := range records {
					if _, err := partner.New(*r); err != nil {
						return fmt.Errorf("partner %s: %w", r.ID, err)
					}
					if err := store.PutPartner(ctx, r); err != nil {
						return fmt.Errorf("partner %s: %w", r.ID, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d partners\n", len(records))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a partner from the partner database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				store, err := a.partnerStore()
				if err != nil {
					return err
				}
				return store.DeletePartner(ctx, args[0])
			})
		},
	})

	return cmd
}

func listPartners(w io.Writer, partners []*partner.Partner) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIGN\tCRYPT\tMDN\tURL")
	for _, p := range partners {
		mdn := string(p.MDNRequest)
		if p.MDNSigned {
			mdn += " (signed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Name, p.SignatureAlgorithm, p.EncryptionAlgorithm, mdn, p.SendURL)
	}
	return tw.Flush()
}

func showPartner(w io.Writer, p *partner.Partner) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s:\t%v\n", k, v) }

	row("ID", p.ID)
	if p.Name != "" {
		row("Name", p.Name)
	}
	if p.Email != "" {
		row("Email", p.Email)
	}
	row("Local", p.IsLocal)
	row("Send URL", p.SendURL)
	row("Signature", p.SignatureAlgorithm)
	row("Encryption", p.EncryptionAlgorithm)
	row("Compress", p.SendCompress)
	row("MDN", p.MDNRequest)
	row("MDN signed", p.MDNSigned)
	if p.MDNURL != "" {
		row("MDN URL", p.MDNURL)
	}
	row("Private key", p.HasPrivateKey())
	if cert := p.Certificate(); cert != nil {
		row("Certificate", cert.Subject.String())
		row("Expires", cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
