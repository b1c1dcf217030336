// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goas2 implements the AS2 (Applicability Statement 2) protocol for
secure, reliable business-to-business document exchange over HTTP.

# Specifications Implemented

  - RFC 4130: MIME-Based Secure Peer-to-Peer Business Data Interchange Using HTTP (AS2)
  - RFC 5652 and RFC 8551: CMS and S/MIME 4.0 signing and encryption
  - RFC 3274: Compressed Data Content Type for CMS
  - RFC 3798 and RFC 8098: Message Disposition Notification
  - RFC 6362: Multiple Attachments for EDI in AS2

# Package Structure

	github.com/sirosfoundation/go-as2/pkg/as2         - Engine, messages, MDNs and the service API
	github.com/sirosfoundation/go-as2/pkg/partner     - Partner records, key loading and the directory
	github.com/sirosfoundation/go-as2/pkg/security    - S/MIME signing, encryption, MIC and certificate checks
	github.com/sirosfoundation/go-as2/pkg/compression - CMS compressed-data (zlib)
	github.com/sirosfoundation/go-as2/pkg/mime        - MIME entity parsing and building
	github.com/sirosfoundation/go-as2/pkg/header      - Case-insensitive AS2 header sets
	github.com/sirosfoundation/go-as2/pkg/transport   - HTTP(S) client with circuit breaker
	github.com/sirosfoundation/go-as2/pkg/reliability - Duplicate detection and outbound tracking

The as2d command (cmd/as2d) runs an AS2 server on top of these packages
with partner stores in SQL or MongoDB, an admin API, Prometheus metrics and
an outbox directory poller.

# Quick Start

	provider, err := partner.NewFileProvider("partners.yaml")
	if err != nil {
	    return err
	}
	engine, err := as2.NewEngine(as2.Config{
	    Directory: partner.NewDirectory(provider, logger),
	    Logger:    logger,
	})
	if err != nil {
	    return err
	}
	defer engine.Close()

	delivery, err := as2.NewService(engine).SendMessage(ctx, as2.SendOptions{
	    From:     "ACME",
	    To:       "GLOBEX",
	    Content:  order,
	    Filename: "po-12345.edi",
	})

See examples/basic for a complete exchange between two partners.

# License

BSD-2-Clause License
*/
package goas2
