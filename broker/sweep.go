package broker

import (
	"context"
	"sort"
	"time"
)

type redelivery struct {
	msg     *queuedMessage
	targets []*subscription
}

// Sweep runs one maintenance pass: expire messages past their TTL, fail
// overdue acknowledgments, re-emit retries that are due and hand deferred
// messages to subscriptions that have capacity again. The scheduled sweep
// calls it every sweep interval; tests drive it directly with a fake clock.
func (b *MemoryBroker) Sweep(ctx context.Context) SweepReport {
	if ctx == nil {
		ctx = context.Background()
	}
	report := SweepReport{StartedAt: b.now()}

	b.mu.Lock()
	now := b.now()
	b.expireLocked(now, &report)
	b.timeoutAcksLocked(now, &report)
	work := b.dueLocked(now, &report)
	b.mu.Unlock()

	for _, r := range work {
		b.deliver(r.msg, r.targets)
	}

	report.FinishedAt = b.now()
	b.recordSweep(ctx, report)
	if report.Retried+report.Redelivered+report.AckTimeouts+report.Expired+report.DeadLettered > 0 {
		b.logger.Debug("sweep: retried=%d redelivered=%d ack_timeouts=%d expired=%d dead_lettered=%d purged=%d",
			report.Retried, report.Redelivered, report.AckTimeouts, report.Expired, report.DeadLettered, report.Purged)
	}
	return report
}

func (b *MemoryBroker) expireLocked(now time.Time, report *SweepReport) {
	for id, qm := range b.messages {
		switch qm.state {
		case StatePending, StateProcessing:
			if now.Before(qm.expiresAt) {
				continue
			}
			qm.state = StateExpired
			qm.deferred = nil
			qm.nextRetryAt = now
			delete(b.pending, id)
			if ch, ok := b.channels[qm.env.Channel]; ok {
				ch.expired++
			}
			report.Expired++
			b.recordMessage(qm.env.Channel, "expired")
		case StateAcknowledged:
			if !now.Before(qm.expiresAt) {
				b.removeLocked(qm)
				report.Purged++
			}
		case StateExpired:
			// expired messages stay visible until the next pass
			if now.After(qm.nextRetryAt) {
				b.removeLocked(qm)
				report.Purged++
			}
		}
	}
}

func (b *MemoryBroker) timeoutAcksLocked(now time.Time, report *SweepReport) {
	var overdue []string
	for id, ack := range b.pending {
		if !now.Before(ack.deadline) {
			overdue = append(overdue, id)
		}
	}
	sort.Strings(overdue)
	for _, id := range overdue {
		report.AckTimeouts++
		if b.failLocked(id, "acknowledgment timeout") {
			report.DeadLettered++
		}
	}
}

// dueLocked collects retries whose backoff elapsed and deferred deliveries,
// ordered by message priority and then publish order.
func (b *MemoryBroker) dueLocked(now time.Time, report *SweepReport) []redelivery {
	var retries, deferred []*queuedMessage
	for _, qm := range b.messages {
		if qm.state == StateAcknowledged {
			if len(qm.deferred) > 0 {
				deferred = append(deferred, qm)
			}
			continue
		}
		if qm.state != StatePending && qm.state != StateProcessing {
			continue
		}
		if !qm.nextRetryAt.IsZero() {
			if qm.state == StatePending && !now.Before(qm.nextRetryAt) {
				retries = append(retries, qm)
			}
			continue
		}
		if len(qm.deferred) > 0 {
			deferred = append(deferred, qm)
		}
	}
	byPriority := func(list []*queuedMessage) {
		sort.Slice(list, func(i, j int) bool {
			ri, rj := list[i].env.Metadata.Priority.rank(), list[j].env.Metadata.Priority.rank()
			if ri != rj {
				return ri > rj
			}
			return list[i].seq < list[j].seq
		})
	}
	byPriority(retries)
	byPriority(deferred)

	out := make([]redelivery, 0, len(retries)+len(deferred))
	for _, qm := range retries {
		qm.nextRetryAt = time.Time{}
		qm.deferred = nil
		out = append(out, redelivery{msg: qm, targets: b.matchingLocked(qm.env.Channel)})
		report.Retried++
	}
	for _, qm := range deferred {
		targets := make([]*subscription, 0, len(qm.deferred))
		for _, s := range b.matchingLocked(qm.env.Channel) {
			if _, ok := qm.deferred[s.id]; ok {
				targets = append(targets, s)
			}
		}
		if len(targets) == 0 {
			qm.deferred = nil
			continue
		}
		out = append(out, redelivery{msg: qm, targets: targets})
		report.Redelivered++
	}
	return out
}
