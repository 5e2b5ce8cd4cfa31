package impl

import "strings"

// sendErrorKind classifies a broadcast failure so the caller knows whether
// the nonce was consumed and whether retrying can help.
type sendErrorKind int

const (
	// sendErrRejected is a deterministic chain-side rejection; the nonce was
	// never consumed and retrying the same payload can't succeed.
	sendErrRejected sendErrorKind = iota
	// sendErrNonceTooLow means local nonce state fell behind the chain; the
	// transaction can be retried with a fresh nonce after a resync.
	sendErrNonceTooLow
	// sendErrAlreadyKnown means the pool already holds this exact
	// transaction; the broadcast effectively succeeded.
	sendErrAlreadyKnown
	// sendErrTransient covers network and node failures where the broadcast
	// outcome is unknown; the nonce is conservatively treated as consumed.
	sendErrTransient
)

var rejectedMessages = []string{
	"insufficient funds",
	"invalid sender",
	"exceeds block gas limit",
	"intrinsic gas too low",
	"max fee per gas less than block base fee",
	"transaction underpriced",
	"oversized data",
}

func classifySendError(err error) sendErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return sendErrNonceTooLow
	case strings.Contains(msg, "already known"):
		return sendErrAlreadyKnown
	}
	for _, m := range rejectedMessages {
		if strings.Contains(msg, m) {
			return sendErrRejected
		}
	}
	return sendErrTransient
}
