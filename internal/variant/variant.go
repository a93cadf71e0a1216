// Package variant assigns subjects to experiment arms.
//
// The assignment is a pure function of (subjectID, experimentID, variants) and
// is part of the external contract: the hash below must never change, or
// subjects are silently moved between arms.
//
//	h := int32(0)
//	for each UTF-16 code unit c of subjectID+experimentID:
//	    h = h*31 + c            // wraps as signed 32-bit
//	index = |h| mod len(variants)   // |h| taken in 64-bit, so MinInt32 stays non-negative
//
// The mapping is index-order-sensitive: reordering variants keeps every
// subject on exactly one arm, but which arm may change.
package variant

import "unicode/utf16"

// #region arms
// Arms of the tuning experiment.
const (
	ArmControl = "control" // served by ACTIVE, no shadow work
	ArmShadow  = "shadow"  // served by ACTIVE, candidate replayed in shadow
	ArmCanary  = "canary"  // served by the SHADOW candidate, ACTIVE replayed in shadow
)

// Fallback is returned when no variants are supplied.
const Fallback = ArmControl

// #endregion arms

// #region select
// Select returns the variant for subjectID in experimentID.
func Select(subjectID, experimentID string, variants []string) string {
	if len(variants) == 0 {
		return Fallback
	}
	h := Hash(subjectID + experimentID)
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return variants[abs%int64(len(variants))]
}

// Hash is the 32-bit rolling multiplicative hash used by Select.
func Hash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	return h
}

// #endregion select
