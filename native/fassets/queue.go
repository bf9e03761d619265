package fassets

import (
	"errors"
)

var (
	errTicketNotFound  = errors.New("fassets: redemption ticket not found")
	errTicketUnderflow = errors.New("fassets: ticket value underflow")
	errEmptyQueue      = errors.New("fassets: redemption queue is empty")
)

// RedemptionTicket is one node of the global FIFO ledger of outstanding
// minted positions. Ticket id zero is reserved as the empty sentinel.
type RedemptionTicket struct {
	ID         uint64
	AgentVault [20]byte
	ValueAMG   uint64
	Prev       uint64
	Next       uint64
}

type queueHeader struct {
	FirstTicketID uint64
	LastTicketID  uint64
	NextTicketID  uint64
}

func (e *Engine) loadQueueHeader() (queueHeader, error) {
	var head queueHeader
	if _, err := e.state.KVGet(queueHeadKey, &head); err != nil {
		return queueHeader{}, err
	}
	if head.NextTicketID == 0 {
		head.NextTicketID = 1
	}
	return head, nil
}

func (e *Engine) loadTicket(id uint64) (*RedemptionTicket, error) {
	if id == 0 {
		return nil, errTicketNotFound
	}
	var ticket RedemptionTicket
	ok, err := e.state.KVGet(u64Key(ticketPrefix, id), &ticket)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errTicketNotFound
	}
	return &ticket, nil
}

func (e *Engine) storeTicket(ticket *RedemptionTicket) error {
	return e.state.KVPut(u64Key(ticketPrefix, ticket.ID), ticket)
}

// createTicket appends a ticket for the agent to the queue tail. When the
// current tail already belongs to the same agent the value is merged into it
// instead of growing the queue.
func (e *Engine) createTicket(vault [20]byte, amg uint64) (uint64, error) {
	if amg == 0 {
		return 0, errZeroAmount
	}
	head, err := e.loadQueueHeader()
	if err != nil {
		return 0, err
	}
	if head.LastTicketID != 0 {
		last, err := e.loadTicket(head.LastTicketID)
		if err != nil {
			return 0, err
		}
		if last.AgentVault == vault {
			last.ValueAMG += amg
			if err := e.storeTicket(last); err != nil {
				return 0, err
			}
			return last.ID, nil
		}
	}
	ticket := &RedemptionTicket{
		ID:         head.NextTicketID,
		AgentVault: vault,
		ValueAMG:   amg,
		Prev:       head.LastTicketID,
	}
	if err := e.storeTicket(ticket); err != nil {
		return 0, err
	}
	if head.LastTicketID != 0 {
		last, err := e.loadTicket(head.LastTicketID)
		if err != nil {
			return 0, err
		}
		last.Next = ticket.ID
		if err := e.storeTicket(last); err != nil {
			return 0, err
		}
	} else {
		head.FirstTicketID = ticket.ID
	}
	head.LastTicketID = ticket.ID
	head.NextTicketID++
	if err := e.state.KVPut(queueHeadKey, head); err != nil {
		return 0, err
	}
	e.emit(newTicketEvent(EventTypeTicketCreated, ticket))
	return ticket.ID, nil
}

// removeFromTicket decrements a ticket's value, unlinking and deleting it
// when the value reaches zero.
func (e *Engine) removeFromTicket(id uint64, amg uint64) error {
	ticket, err := e.loadTicket(id)
	if err != nil {
		return err
	}
	if ticket.ValueAMG < amg {
		return errTicketUnderflow
	}
	ticket.ValueAMG -= amg
	if ticket.ValueAMG > 0 {
		return e.storeTicket(ticket)
	}
	head, err := e.loadQueueHeader()
	if err != nil {
		return err
	}
	if ticket.Prev != 0 {
		prev, err := e.loadTicket(ticket.Prev)
		if err != nil {
			return err
		}
		prev.Next = ticket.Next
		if err := e.storeTicket(prev); err != nil {
			return err
		}
	} else {
		head.FirstTicketID = ticket.Next
	}
	if ticket.Next != 0 {
		next, err := e.loadTicket(ticket.Next)
		if err != nil {
			return err
		}
		next.Prev = ticket.Prev
		if err := e.storeTicket(next); err != nil {
			return err
		}
	} else {
		head.LastTicketID = ticket.Prev
	}
	if err := e.state.KVPut(queueHeadKey, head); err != nil {
		return err
	}
	if err := e.state.KVDelete(u64Key(ticketPrefix, id)); err != nil {
		return err
	}
	e.emit(newTicketEvent(EventTypeTicketDeleted, ticket))
	return nil
}

// redeemedTicket aggregates how much of the requested redemption was taken
// from one agent's tickets within one queue drain.
type redeemedTicket struct {
	agentVault [20]byte
	valueAMG   uint64
}

// drainQueue consumes up to maxLots whole lots from the queue oldest-first,
// aggregating per agent. The iteration is capped at maxRedeemedTickets
// entries to bound the per-call cost; the second return value reports how
// many lots were actually consumed, which may fall short of the request when
// the queue empties or the cap is hit. Callers surface the shortfall to the
// redeemer instead of failing. With apply false the walk is read-only and
// only reports what a real drain would consume, so callers can run resource
// checks before mutating anything.
func (e *Engine) drainQueue(maxLots uint64, apply bool) ([]redeemedTicket, uint64, error) {
	head, err := e.loadQueueHeader()
	if err != nil {
		return nil, 0, err
	}
	if head.FirstTicketID == 0 {
		return nil, 0, errEmptyQueue
	}
	lotSize := e.settings.LotSizeAMG
	var redeemed []redeemedTicket
	indexByVault := map[[20]byte]int{}
	remainingLots := maxLots
	ticketID := head.FirstTicketID
	for ticketID != 0 && remainingLots > 0 {
		ticket, err := e.loadTicket(ticketID)
		if err != nil {
			return nil, 0, err
		}
		nextID := ticket.Next
		maxRedeemLots := ticket.ValueAMG / lotSize
		if maxRedeemLots > 0 {
			lots := maxRedeemLots
			if lots > remainingLots {
				lots = remainingLots
			}
			idx, ok := indexByVault[ticket.AgentVault]
			if !ok {
				if len(redeemed) >= e.settings.MaxRedeemedTickets {
					// Cap reached: leave the rest of the queue for a
					// follow-up call.
					break
				}
				redeemed = append(redeemed, redeemedTicket{agentVault: ticket.AgentVault})
				idx = len(redeemed) - 1
				indexByVault[ticket.AgentVault] = idx
			}
			amg := lots * lotSize
			redeemed[idx].valueAMG += amg
			remainingLots -= lots
			if apply {
				remainder := ticket.ValueAMG - amg
				if remainder > 0 && remainder < lotSize {
					// The sub-lot remainder cannot be redeemed; move it to
					// the agent's dust so the ticket can close.
					agent, err := e.loadAgent(ticket.AgentVault)
					if err != nil {
						return nil, 0, err
					}
					e.increaseDust(agent, remainder)
					if err := e.storeAgent(agent); err != nil {
						return nil, 0, err
					}
					amg += remainder
				}
				if err := e.removeFromTicket(ticket.ID, amg); err != nil {
					return nil, 0, err
				}
			}
		}
		ticketID = nextID
	}
	return redeemed, maxLots - remainingLots, nil
}

// closeAgentPosition removes up to amountAMG of the agent's own tickets
// (oldest first) plus dust, returning the amount actually closed. It backs
// self-close, liquidation and redemption take-over flows where the agent
// consumes its own backing rather than the global queue order.
func (e *Engine) closeAgentPosition(agent *Agent, amountAMG uint64) (uint64, error) {
	head, err := e.loadQueueHeader()
	if err != nil {
		return 0, err
	}
	remaining := amountAMG
	ticketID := head.FirstTicketID
	visited := 0
	for ticketID != 0 && remaining > 0 && visited < e.settings.MaxRedeemedTickets {
		ticket, err := e.loadTicket(ticketID)
		if err != nil {
			return 0, err
		}
		nextID := ticket.Next
		if ticket.AgentVault == agent.Vault {
			visited++
			take := ticket.ValueAMG
			if take > remaining {
				take = remaining
			}
			if err := e.removeFromTicket(ticket.ID, take); err != nil {
				return 0, err
			}
			remaining -= take
			if leftover := ticket.ValueAMG - take; leftover > 0 && leftover < e.settings.LotSizeAMG {
				e.increaseDust(agent, leftover)
				if err := e.removeFromTicket(ticket.ID, leftover); err != nil {
					return 0, err
				}
			}
		}
		ticketID = nextID
	}
	if remaining > 0 && agent.DustAMG > 0 {
		take := agent.DustAMG
		if take > remaining {
			take = remaining
		}
		if err := e.decreaseDust(agent, take); err != nil {
			return 0, err
		}
		remaining -= take
	}
	return amountAMG - remaining, nil
}

// QueueTicket returns a copy of the ticket with the given id.
func (e *Engine) QueueTicket(id uint64) (*RedemptionTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	ticket, err := e.loadTicket(id)
	if err != nil {
		return nil, err
	}
	clone := *ticket
	return &clone, nil
}

// QueueTickets returns up to limit tickets from the queue head, preserving
// FIFO order.
func (e *Engine) QueueTickets(limit int) ([]RedemptionTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	head, err := e.loadQueueHeader()
	if err != nil {
		return nil, err
	}
	var out []RedemptionTicket
	ticketID := head.FirstTicketID
	for ticketID != 0 && (limit <= 0 || len(out) < limit) {
		ticket, err := e.loadTicket(ticketID)
		if err != nil {
			return nil, err
		}
		out = append(out, *ticket)
		ticketID = ticket.Next
	}
	return out, nil
}

// queueValueOfAgent sums the outstanding ticket value for one agent. Used by
// invariant checks in tests and the RPC agent view.
func (e *Engine) queueValueOfAgent(vault [20]byte) (uint64, error) {
	head, err := e.loadQueueHeader()
	if err != nil {
		return 0, err
	}
	var total uint64
	ticketID := head.FirstTicketID
	for ticketID != 0 {
		ticket, err := e.loadTicket(ticketID)
		if err != nil {
			return 0, err
		}
		if ticket.AgentVault == vault {
			total += ticket.ValueAMG
		}
		ticketID = ticket.Next
	}
	return total, nil
}
