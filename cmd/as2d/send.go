package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-as2/pkg/as2"
)

type sendFlags struct {
	from     string
	to       string
	file     string
	mimetype string
	filename string
	subject  string
	encoding string
}

func newSendCmd(load loader) *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a file to a partner",
		Long: `Send a file to a partner and wait for the synchronous MDN. Partners that
request asynchronous MDNs answer later on the server endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if f.from == "" {
				f.from = cfg.AS2.LocalID
			}
			if f.from == "" {
				return fmt.Errorf("--from is required when as2.localId is not configured")
			}
			if _, err := os.Stat(f.file); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, newLogger(cfg.Logging, os.Stderr), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			filename := f.filename
			if filename == "" {
				filename = filepath.Base(f.file)
			}
			delivery, err := a.service.SendMessage(ctx, as2.SendOptions{
				From:     f.from,
				To:       f.to,
				Path:     f.file,
				MimeType: f.mimetype,
				Filename: filename,
				Subject:  f.subject,
				Encoding: f.encoding,
			})
			if err != nil {
				return err
			}
			return printDelivery(cmd, delivery)
		},
	}

	cmd.Flags().StringVar(&f.from, "from", "", "sending partner (defaults to as2.localId)")
	cmd.Flags().StringVar(&f.to, "to", "", "receiving partner")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "file to send")
	cmd.Flags().StringVar(&f.mimetype, "mimetype", "", "payload content type (default "+as2.DefaultMimeType+")")
	cmd.Flags().StringVar(&f.filename, "filename", "", "filename announced to the partner")
	cmd.Flags().StringVar(&f.subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&f.encoding, "encoding", "", "payload transfer encoding")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// printDelivery reports the outcome; a failed disposition is an error
func printDelivery(cmd *cobra.Command, d *as2.Delivery) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Message-ID: %s\n", d.MessageID)
	if d.Mic != "" {
		fmt.Fprintf(out, "MIC: %s\n", d.Mic)
	}
	if d.MDN == nil {
		fmt.Fprintln(out, "MDN: asynchronous or not requested")
		return nil
	}
	defer d.MDN.Close()

	disposition := d.MDN.DispositionType()
	if mod := d.MDN.DispositionModifier(); mod != "" {
		disposition += "/" + mod
	}
	fmt.Fprintf(out, "MDN: %s\n", disposition)
	if d.MDN.DispositionType() != as2.DispositionProcessed {
		return fmt.Errorf("partner did not process the message: %s", d.MDN.Message())
	}
	return nil
}
