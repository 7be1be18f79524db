package main

import (
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/fsguardian/fsguardian/internal/sync"
)

// progressObserver logs transfer progress at 10% steps so large runs
// stay quiet in between.
type progressObserver struct {
	lastDecile int
}

func newProgressObserver() *progressObserver {
	return &progressObserver{lastDecile: -1}
}

func (p *progressObserver) OnProgress(s sync.Status) {
	decile := int(s.Fraction * 10)
	if decile == p.lastDecile {
		return
	}
	p.lastDecile = decile
	slog.Info("progress",
		"phase", string(s.Phase),
		"pct", decile*10,
		"files", s.FilesDone,
		"bytes", humanize.Bytes(uint64(s.BytesDone)),
	)
}

func (p *progressObserver) OnComplete(s sync.Status) {
	p.lastDecile = -1
}

func (p *progressObserver) OnError(err error) {
	slog.Error("sync aborted", "error", err)
}
