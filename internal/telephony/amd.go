package telephony

import "strings"

// Verdict is the platform's answering-machine detection result for a channel.
type Verdict string

const (
	VerdictHuman   Verdict = "HUMAN"
	VerdictMachine Verdict = "MACHINE"
	VerdictNotSure Verdict = "NOTSURE"
	VerdictHangup  Verdict = "HANGUP"
	VerdictFax     Verdict = "FAX"
	VerdictSIT     Verdict = "SIT"
)

// ParseVerdict maps AMDSTATUS/AMDCAUSE to a verdict. Fax tones and special information
// tones only show up in the cause. Anything unrecognised counts as not sure.
func ParseVerdict(status, cause string) Verdict {
	c := strings.ToUpper(cause)
	switch {
	case strings.Contains(c, "FAX"):
		return VerdictFax
	case strings.Contains(c, "SIT"):
		return VerdictSIT
	}
	switch v := Verdict(strings.ToUpper(strings.TrimSpace(status))); v {
	case VerdictHuman, VerdictMachine, VerdictNotSure, VerdictHangup:
		return v
	}
	return VerdictNotSure
}

// ReachesAgent reports whether the call may be paired with an agent. Only human and
// uncertain verdicts qualify.
func (v Verdict) ReachesAgent() bool {
	return v == VerdictHuman || v == VerdictNotSure
}

// Machine reports whether the machine policy applies.
func (v Verdict) Machine() bool {
	return v == VerdictMachine || v == VerdictFax || v == VerdictSIT
}
