// internal/model/recipient.go
package model

import "time"

// Stage is the recipient's pipeline position.
type Stage string

const (
	StageNotContacted Stage = "not_contacted"
	StageStep1Sent    Stage = "step_1_sent"
	StageStep2Sent    Stage = "step_2_sent"
	StageStep3Sent    Stage = "step_3_sent"
	StageConverted    Stage = "converted"
	StageRejected     Stage = "rejected"
	// StageResponded means a reply arrived and a human has to take over.
	StageResponded Stage = "responded"
)

// Rank orders stages for forward-only advancement. Responded shares the
// not-contacted rank so a new send can start the recipient over.
func (s Stage) Rank() int {
	switch s {
	case StageStep1Sent:
		return 1
	case StageStep2Sent:
		return 2
	case StageStep3Sent:
		return 3
	case StageConverted, StageRejected:
		return 4
	default:
		return 0
	}
}

// IsTerminal reports whether the automation may never move the recipient
// again. Responded is not terminal: it hands the recipient back to a human,
// who may send again.
func (s Stage) IsTerminal() bool {
	return s == StageConverted || s == StageRejected
}

// CanAdvanceTo reports whether the automation may move the recipient to next.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// StageForStep maps a sequence step to the stage reached once it is sent.
func StageForStep(step int) Stage {
	switch step {
	case 0, 1:
		return StageStep1Sent
	case 2:
		return StageStep2Sent
	default:
		return StageStep3Sent
	}
}

// SequenceState is the follow-up state machine position, set by the scheduler.
type SequenceState string

const (
	SequenceNone      SequenceState = "none"
	SequenceSent1     SequenceState = "sent_1"
	SequenceSent2     SequenceState = "sent_2"
	SequenceSent3     SequenceState = "sent_3"
	SequenceResponded SequenceState = "responded"
	SequenceRejected  SequenceState = "rejected"
)

func SequenceForStep(step int) SequenceState {
	switch step {
	case 1:
		return SequenceSent1
	case 2:
		return SequenceSent2
	case 3:
		return SequenceSent3
	default:
		return SequenceNone
	}
}

func (s SequenceState) IsTerminal() bool {
	return s == SequenceResponded || s == SequenceRejected
}

type Recipient struct {
	ID              int64         `db:"id" json:"id"`
	Email           string        `db:"email" json:"email"`
	FirstName       string        `db:"first_name" json:"first_name"`
	LastName        string        `db:"last_name" json:"last_name"`
	Company         string        `db:"company" json:"company"`
	Stage           Stage         `db:"stage" json:"stage"`
	Sequence        SequenceState `db:"sequence_state" json:"sequence_state"`
	LastContactedAt *time.Time    `db:"last_contacted_at" json:"last_contacted_at,omitempty"`
}

// Variables returns the placeholder values used when rendering templates.
func (r *Recipient) Variables() map[string]string {
	return map[string]string{
		"first_name": r.FirstName,
		"last_name":  r.LastName,
		"email":      r.Email,
		"company":    r.Company,
	}
}
