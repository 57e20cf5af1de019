package strategy

// DeltaReading is the divergence of one position snapshot from target.
type DeltaReading struct {
	Net     float64
	Desired float64
	Gap     float64
	Side    Side
}

func TrackDelta(pos PositionSnapshot, desired float64) DeltaReading {
	net := pos.NetBaseDelta()
	gap := net - desired
	return DeltaReading{Net: net, Desired: desired, Gap: gap, Side: CandidateSide(gap)}
}

// CandidateSide sells when long of target and buys when short of it.
func CandidateSide(gap float64) Side {
	switch {
	case gap > 0:
		return SideSell
	case gap < 0:
		return SideBuy
	default:
		return SideNone
	}
}
