package cnsocket

import "sync/atomic"

// Stats counts loop events. Fields are updated on the loop goroutine and may
// be read from anywhere.
type Stats struct {
	Accepted       atomic.Uint64
	Rejected       atomic.Uint64
	Closed         atomic.Uint64
	FramesIn       atomic.Uint64
	FramesOut      atomic.Uint64
	ChecksumDrops  atomic.Uint64
	UnknownDrops   atomic.Uint64
	RateLimitDrops atomic.Uint64
	MalformedKills atomic.Uint64
	HandlerPanics  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Sessions       int    `json:"sessions"`
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	Closed         uint64 `json:"closed"`
	FramesIn       uint64 `json:"frames_in"`
	FramesOut      uint64 `json:"frames_out"`
	ChecksumDrops  uint64 `json:"checksum_drops"`
	UnknownDrops   uint64 `json:"unknown_drops"`
	RateLimitDrops uint64 `json:"rate_limit_drops"`
	MalformedKills uint64 `json:"malformed_kills"`
	HandlerPanics  uint64 `json:"handler_panics"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:       s.Accepted.Load(),
		Rejected:       s.Rejected.Load(),
		Closed:         s.Closed.Load(),
		FramesIn:       s.FramesIn.Load(),
		FramesOut:      s.FramesOut.Load(),
		ChecksumDrops:  s.ChecksumDrops.Load(),
		UnknownDrops:   s.UnknownDrops.Load(),
		RateLimitDrops: s.RateLimitDrops.Load(),
		MalformedKills: s.MalformedKills.Load(),
		HandlerPanics:  s.HandlerPanics.Load(),
	}
}
