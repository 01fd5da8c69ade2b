package notify

import (
	"context"
	"errors"
)

// Sink принимает события для комнаты.
type Sink interface {
	Broadcast(ctx context.Context, room, event string, payload any) error
}

// Fanout рассылает событие во все приёмники. Ошибка одного приёмника не мешает остальным.
type Fanout struct {
	sinks []Sink
}

// NewFanout создаёт рассылку по непустым приёмникам.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Broadcast отправляет событие во все приёмники и объединяет их ошибки.
func (f *Fanout) Broadcast(ctx context.Context, room, event string, payload any) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Broadcast(ctx, room, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
