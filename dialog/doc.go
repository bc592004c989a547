// Package dialog implements the dialog bookkeeping of the transaction user core:
// dialog keys with their pool and lookup table, dialog usages (RFC 5057) and
// the dialog state machine.
//
// Values of this package are not safe for concurrent use unless stated otherwise;
// the core mutates them under the per-dialog lock.
package dialog

//go:generate errtrace -w .

import "github.com/ghettovoice/siptu/internal/errorutil"

// Error is a string sentinel error.
type Error = errorutil.Error

// ErrDialogTerminated is returned when a request is applied to a terminated dialog.
const ErrDialogTerminated Error = "dialog terminated"
