// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package as2 implements the AS2 protocol engine (RFC 4130): outbound
messages, inbound transmissions and the Message Disposition Notifications
exchanged between them.

# Engine

An Engine ties together the partner directory, the temp file store, the
HTTP transport and an event sink:

	engine, err := as2.NewEngine(as2.Config{
	    Directory: partner.NewDirectory(provider, logger),
	    Transport: transport.NewClient(nil, logger),
	    Logger:    logger,
	})
	service := as2.NewService(engine)

# Sending

	delivery, err := service.SendMessage(ctx, as2.SendOptions{
	    From:    "ACME",
	    To:      "GLOBEX",
	    Content: edi,
	})

The message is signed and encrypted as the receiving partner's record
requires. For partners answering synchronously the MDN is read from the
HTTP response and returned in the Delivery.

# Receiving

	result := service.HandleRequest(ctx, body, header.FromMIME(textproto.MIMEHeader(r.Header)), w)

HandleRequest decrypts and verifies the transmission, checks it against
the sender's policy and answers every message with an MDN, processed or
failed. The MDN is written to the response, or posted to the sender's
Receipt-Delivery-Option URL after a grace period.

# Errors

Processing errors are *Error values. Their level selects the disposition
modifier of the failed MDN:

	1 authentication-failed          unknown partner, missing key material
	2 decompression-failed
	3 decryption-failed
	4 insufficient-message-security  not signed or not encrypted as required
	5 integrity-check-failed         bad signature
	6 unexpected-processing-error

Transport errors have no level and are returned to the caller.
*/
package as2
