package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/xiaot623/mcptap/internal/domain"
)

// OpenSession starts a new recording session.
func (s *Service) OpenSession(ctx context.Context, agentName string) *domain.Session {
	return s.recorder.OpenSession(ctx, agentName)
}

// CloseSession terminates a session, cancelling any still-open calls.
func (s *Service) CloseSession(ctx context.Context, sessionID string, status domain.SessionStatus) (*domain.Session, error) {
	return s.recorder.CloseSession(ctx, sessionID, status)
}

// GetSession reads a session, preferring the recorder's in-memory view
// (which is ahead of the async sink) over the stored row.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if sess := s.recorder.Session(sessionID); sess != nil {
		return sess, nil
	}
	return s.store.GetSession(ctx, sessionID)
}

// ListSessions reads stored sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return s.store.ListSessions(ctx, limit)
}

// ListEvents reads a session's stored events in sequence order.
func (s *Service) ListEvents(ctx context.Context, sessionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	return s.store.ListEvents(ctx, sessionID, afterSeq, types, limit)
}

// EventNode is one node of the reconstructed call tree.
type EventNode struct {
	domain.Event
	Children []*EventNode `json:"children,omitempty"`
}

// EventTree reconstructs the per-session call forest from stored events:
// one tree per root agent_call, children ordered by sequence.
func (s *Service) EventTree(ctx context.Context, sessionID string) ([]*EventNode, error) {
	events, err := s.store.ListEvents(ctx, sessionID, 0, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	nodes := make(map[string]*EventNode, len(events))
	for i := range events {
		nodes[events[i].EventID] = &EventNode{Event: events[i]}
	}

	var roots []*EventNode
	for i := range events {
		node := nodes[events[i].EventID]
		if node.ParentEventID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[node.ParentEventID]
		if !ok {
			// Orphan rows can appear when a running-event write was
			// dropped; surface them as roots rather than hiding them.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortNodes(roots)
	return roots, nil
}

func sortNodes(nodes []*EventNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
