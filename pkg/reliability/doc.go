// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides duplicate detection for inbound AS2 messages
and status tracking for outbound ones.

# Duplicate detection

A Tracker remembers Message-IDs for a window. The receiving server asks it
before delivering payloads; a duplicate still gets an MDN, but its payloads
are not delivered again.

	tracker := reliability.NewMemoryTracker(24 * time.Hour)
	defer tracker.Close()

	dup, err := tracker.Seen(ctx, messageID)

RedisTracker shares the window between several instances:

	tracker, err := reliability.NewRedisTracker(ctx, reliability.RedisConfig{
	    Addr: "localhost:6379",
	}, 24*time.Hour)

# Outbound tracking

MessageTracker records each sent message until its MDN arrives, which for
asynchronous receipts happens on a separate inbound request:

	tracker.Track(messageID, partnerID)
	tracker.MarkSending(messageID)
	tracker.MarkAwaitingReceipt(messageID)
	// later, when the MDN is received
	tracker.RecordReceipt(messageID, disposition)

There is no retry. A failed send is recorded with RecordError and returned
to the caller.
*/
package reliability
