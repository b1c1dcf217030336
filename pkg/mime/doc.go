// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime builds and takes apart the MIME entities carried by AS2.

An AS2 payload is a single MIME part or a multipart/mixed of parts, which
is then optionally compressed, signed (multipart/signed) and encrypted
(application/pkcs7-mime). Receipts are multipart/report entities.

# Building

Compose turns File descriptors into one entity:

	Content-Type: application/edi-x12
	Content-Disposition: attachment; filename="po.edi"
	Content-Transfer-Encoding: base64

	SVNBKjAwKiAgICAgICAgICAqMDAqICAgICAgICAgICp...

Report builds a disposition-notification report:

	Content-Type: multipart/report; report-type=disposition-notification;
	    boundary="----=_Part_..."

	------=_Part_...
	Content-Type: text/plain; charset=us-ascii

	The AS2 message has been received.
	------=_Part_...
	Content-Type: message/disposition-notification

	Original-Message-ID: <...>
	Disposition: automatic-action/MDN-sent-automatically; processed
	------=_Part_...--

# Taking apart

Split breaks a multipart entity into its raw parts without touching a
single byte, which is what signature verification and MIC calculation
need. ParsePart decodes one leaf, and Extract walks a whole payload.
*/
package mime
