// Package service wires the recorder, router, and sink into the
// operations the transport layer exposes.
package service

import (
	"github.com/xiaot623/mcptap/internal/config"
	"github.com/xiaot623/mcptap/internal/recorder"
	"github.com/xiaot623/mcptap/internal/router"
	"github.com/xiaot623/mcptap/internal/store"
)

type Service struct {
	store    store.Store
	recorder *recorder.Recorder
	router   *router.Router
	config   *config.Config
}

func New(st store.Store, rec *recorder.Recorder, rt *router.Router, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		recorder: rec,
		router:   rt,
		config:   cfg,
	}
}

// Recorder exposes the correlation engine to transports that record
// without forwarding (e.g. local skill invocations).
func (s *Service) Recorder() *recorder.Recorder {
	return s.recorder
}
