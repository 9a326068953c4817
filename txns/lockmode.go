// Package txns implements multi-granularity two-phase locking over table
// and row objects, plus a background deadlock detector. Grounded on the
// reference's src/txns/models.go for the lock-mode algebra (IS/IX/S/SIX/X
// compatibility, combination under upgrade, and the "weaker-or-equal"
// ordering used to reject redundant upgrades) and on its manager.go for the
// wait-for-graph DFS cycle check. The reference's own queue mechanics
// (txnqueue.go) implement wound-wait deadlock *prevention*; this package
// instead grants strictly FIFO (with upgrade priority) and detects cycles
// out of band, so the queue and transaction state machine are written
// fresh rather than adapted from txnqueue.go.
package txns

import "fmt"

// LockMode is one of the five multi-granularity lock modes. Row locks only
// ever use Shared and Exclusive; table locks use the full lattice.
type LockMode uint8

const (
	LockIntentionShared LockMode = iota
	LockIntentionExclusive
	LockShared
	LockSharedIntentionExclusive
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockIntentionShared:
		return "IS"
	case LockIntentionExclusive:
		return "IX"
	case LockShared:
		return "S"
	case LockSharedIntentionExclusive:
		return "SIX"
	case LockExclusive:
		return "X"
	default:
		return fmt.Sprintf("LockMode(%d)", uint8(m))
	}
}

// compatibility[a][b] reports whether a and b may be held simultaneously by
// two different transactions on the same object. Indexed by LockMode value.
var compatibility = [5][5]bool{
	LockIntentionShared:          {true, true, true, true, false},
	LockIntentionExclusive:       {true, true, false, false, false},
	LockShared:                   {true, false, true, false, false},
	LockSharedIntentionExclusive: {true, false, false, false, false},
	LockExclusive:                {false, false, false, false, false},
}

// Compatible reports whether m and other may both be held on the same
// object by different transactions at the same time.
func (m LockMode) Compatible(other LockMode) bool {
	return compatibility[m][other]
}

// combination[current][requested] is the mode a single transaction ends up
// holding after acquiring requested while it already holds current.
var combination = [5][5]LockMode{
	LockIntentionShared: {
		LockIntentionShared, LockIntentionExclusive, LockShared,
		LockSharedIntentionExclusive, LockExclusive,
	},
	LockIntentionExclusive: {
		LockIntentionExclusive, LockIntentionExclusive, LockSharedIntentionExclusive,
		LockSharedIntentionExclusive, LockExclusive,
	},
	LockShared: {
		LockShared, LockSharedIntentionExclusive, LockShared,
		LockSharedIntentionExclusive, LockExclusive,
	},
	LockSharedIntentionExclusive: {
		LockSharedIntentionExclusive, LockSharedIntentionExclusive, LockSharedIntentionExclusive,
		LockSharedIntentionExclusive, LockExclusive,
	},
	LockExclusive: {
		LockExclusive, LockExclusive, LockExclusive, LockExclusive, LockExclusive,
	},
}

// Combine returns the mode a transaction ends up holding after upgrading
// from m to requested.
func (m LockMode) Combine(requested LockMode) LockMode {
	return combination[m][requested]
}

// weakerOrEqual[m][other] reports whether m grants no more than other, i.e.
// whether requesting other from m is a genuine upgrade (or a no-op).
var weakerOrEqual = [5][5]bool{
	LockIntentionShared:          {true, true, true, true, true},
	LockIntentionExclusive:       {false, true, false, true, true},
	LockShared:                   {false, false, true, true, true},
	LockSharedIntentionExclusive: {false, false, false, true, true},
	LockExclusive:                {false, false, false, false, true},
}

// WeakerOrEqual reports whether m grants no more access than other.
func (m LockMode) WeakerOrEqual(other LockMode) bool {
	return weakerOrEqual[m][other]
}

// validUpgrades enumerates the upgrades the lattice permits; anything
// else (including downgrades) is rejected outright rather than attempted.
var validUpgrades = map[[2]LockMode]bool{
	{LockIntentionShared, LockIntentionExclusive}:          true,
	{LockIntentionShared, LockShared}:                      true,
	{LockIntentionShared, LockSharedIntentionExclusive}:    true,
	{LockIntentionShared, LockExclusive}:                   true,
	{LockShared, LockSharedIntentionExclusive}:             true,
	{LockShared, LockExclusive}:                            true,
	{LockIntentionExclusive, LockSharedIntentionExclusive}: true,
	{LockIntentionExclusive, LockExclusive}:                true,
	{LockSharedIntentionExclusive, LockExclusive}:          true,
}

// CanUpgrade reports whether from -> to is one of the upgrade paths the
// lattice allows. Equal modes are never an upgrade.
func CanUpgrade(from, to LockMode) bool {
	if from == to {
		return false
	}
	return validUpgrades[[2]LockMode{from, to}]
}
