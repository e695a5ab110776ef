package server

import (
	"context"
	"time"

	"github.com/ssd-technologies/ilshield/internal/audit"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context, sweep, verify time.Duration) {
	go s.runExpirySweeper(ctx, sweep)
	go s.runChainVerifier(ctx, verify)
	go s.limiter.Run(ctx, time.Minute)
}

// --- Task Expiry Worker ---

// runExpirySweeper marks open tasks past their deadline as expired.
func (s *Server) runExpirySweeper(ctx context.Context, every time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
			s.sweepExpired(ctx)
		}
	}
}

// sweepExpired runs one expiry pass and returns how many tasks it expired.
func (s *Server) sweepExpired(ctx context.Context) int {
	n, err := s.tasks.ExpireTasks(ctx)
	if err != nil {
		log.Errorf("[worker] expire tasks: %v", err)
		return 0
	}
	return n
}

// --- Audit Chain Worker ---

// runChainVerifier re-verifies the audit hash chain periodically.
func (s *Server) runChainVerifier(ctx context.Context, every time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
			s.verifyChain(ctx)
		}
	}
}

// verifyChain checks the whole audit log once and logs any break.
func (s *Server) verifyChain(ctx context.Context) audit.Report {
	report, err := audit.Verify(ctx, s.db)
	if err != nil {
		log.Errorf("[worker] verify audit chain: %v", err)
		return report
	}
	if !report.OK {
		log.Errorf("[worker] audit chain broken: %v", report.Errors)
		return report
	}
	log.Debugf("[worker] audit chain ok: %d records, root %s", report.Total, report.Root)
	return report
}
