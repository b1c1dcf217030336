package as2

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a Message-ID of the form
// <uniqid@epoch_partner_host>, traceable to the partner it was generated for
func NewMessageID(partnerID, hostname string) string {
	uid, err := uuid.NewV7()
	if err != nil {
		uid = uuid.New()
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	id := fmt.Sprintf("<%s@%d_%s_%s>", uid.String(), time.Now().Unix(), strings.ToLower(partnerID), hostname)
	return strings.ReplaceAll(id, " ", "")
}

// trimMessageID strips surrounding whitespace and angle brackets
func trimMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}
