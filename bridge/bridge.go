// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge owns the broker connection and forwards decoded messages
// to the message buffer and the push channel.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/absmach/ramses-gateway/buffer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink delivers a message to every connected push client.
type Sink interface {
	Send(msg buffer.Message)
}

// Recorder observes bridge activity.
type Recorder interface {
	RecordMessage(ctx context.Context, size int)
	RecordDecodeError(ctx context.Context)
	RecordBroadcast(ctx context.Context)
	RecordReconnect(ctx context.Context)
}

type inbound struct {
	topic   string
	payload []byte
}

// Bridge drives the broker connection state machine:
//
//	disconnected -> connecting -> subscribed -> disconnected -> ...
//
// Connection failures and drops are retried indefinitely with a bounded,
// jittered delay. Inbound messages are processed one at a time, in arrival
// order, on a single consumer goroutine.
type Bridge struct {
	opts      *Options
	transport Transport
	buf       *buffer.Buffer
	sink      Sink
	recorder  Recorder
	logger    *slog.Logger
	tracer    trace.Tracer

	state   *stateManager
	inbound chan inbound
	running atomic.Bool
}

// New creates a bridge. It does not connect until Run is called.
func New(opts *Options, t Transport, buf *buffer.Buffer, sink Sink, logger *slog.Logger) (*Bridge, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		opts:      opts,
		transport: t,
		buf:       buf,
		sink:      sink,
		logger:    logger,
		tracer:    otel.Tracer("github.com/absmach/ramses-gateway/bridge"),
		inbound:   make(chan inbound, opts.MessageChanSize),
	}
	b.state = newStateManager(b.stateChanged)

	return b, nil
}

// SetRecorder installs an activity observer. Must be called before Run.
func (b *Bridge) SetRecorder(r Recorder) {
	b.recorder = r
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return b.state.get()
}

// Run connects, subscribes and keeps the connection alive until ctx is
// cancelled. Messages already queued at cancellation are processed before
// Run returns; later deliveries are dropped.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.consume(ctx)
	}()

	bo := newBackoff(b.opts.ReconnectMin, b.opts.ReconnectMax, b.opts.ReconnectJitter)
	attempt := 0

	for ctx.Err() == nil {
		if attempt > 0 {
			if b.opts.OnReconnecting != nil {
				b.opts.OnReconnecting(attempt)
			}
			if b.recorder != nil {
				b.recorder.RecordReconnect(ctx)
			}
		}
		attempt++

		lost, err := b.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := bo.next()
			b.logger.Warn("broker_connect_failed",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				break
			}
			continue
		}

		bo.reset()
		attempt = 0

		select {
		case <-ctx.Done():
		case err := <-lost:
			b.state.set(StateDisconnected)
			b.transport.Disconnect()
			delay := bo.next()
			b.logger.Warn("broker_connection_lost",
				slog.String("error", errString(err)),
				slog.Duration("retry_in", delay))
			attempt = 1
			// A cancelled sleep ends the loop through ctx.Err().
			sleep(ctx, delay)
		}
	}

	b.transport.Disconnect()
	b.state.set(StateClosed)
	wg.Wait()
	b.logger.Info("bridge_stopped")

	return nil
}

// connect runs one connect + subscribe attempt bounded by ConnectTimeout.
func (b *Bridge) connect(ctx context.Context) (<-chan error, error) {
	b.state.set(StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	if err := b.transport.Connect(connectCtx); err != nil {
		b.state.set(StateDisconnected)
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	lost := b.transport.Lost()

	if err := b.transport.Subscribe(connectCtx, b.opts.Topic, b.opts.QoS, b.enqueue(ctx)); err != nil {
		b.transport.Disconnect()
		b.state.set(StateDisconnected)
		return nil, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}

	b.state.set(StateSubscribed)
	b.logger.Info("broker_subscribed", slog.String("topic", b.opts.Topic))

	return lost, nil
}

// enqueue hands transport messages to the consumer. It blocks while the
// queue is full so arrival order is preserved.
func (b *Bridge) enqueue(ctx context.Context) Handler {
	return func(topic string, payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)

		select {
		case b.inbound <- inbound{topic: topic, payload: cp}:
		case <-ctx.Done():
			b.logger.Debug("bridge_message_dropped_on_shutdown", slog.String("topic", topic))
		}
	}
}

func (b *Bridge) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain(ctx)
			return
		case m := <-b.inbound:
			b.process(ctx, m.topic, m.payload)
		}
	}
}

func (b *Bridge) drain(ctx context.Context) {
	for {
		select {
		case m := <-b.inbound:
			b.process(ctx, m.topic, m.payload)
		default:
			return
		}
	}
}

// process decodes one payload, appends it to the buffer and broadcasts it.
// Failures are logged and never escape.
func (b *Bridge) process(ctx context.Context, topic string, payload []byte) {
	ctx, span := b.tracer.Start(ctx, "bridge.process",
		trace.WithAttributes(attribute.String("mqtt.topic", topic)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			b.logger.Error("bridge_process_panic",
				slog.String("topic", topic),
				slog.Any("panic", r))
		}
	}()

	if b.recorder != nil {
		b.recorder.RecordMessage(ctx, len(payload))
	}

	msg, err := Decode(payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if b.recorder != nil {
			b.recorder.RecordDecodeError(ctx)
		}
		b.logger.Warn("bridge_decode_failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return
	}

	b.logger.Debug("bridge_message_received",
		slog.String("topic", topic),
		slog.Int("size", len(msg)))

	// The buffer must hold the message before clients are notified.
	b.buf.Append(msg)
	b.sink.Send(msg)

	if b.recorder != nil {
		b.recorder.RecordBroadcast(ctx)
	}
}

func (b *Bridge) stateChanged(from, to State) {
	b.logger.Debug("bridge_state_changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

// Decode validates payload as UTF-8 encoded JSON and returns a compacted copy.
func Decode(payload []byte) (buffer.Message, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrDecode)
	}
	var out bytes.Buffer
	if err := json.Compact(&out, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return buffer.Message(out.Bytes()), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ErrConnectionLost.Error()
	}
	return err.Error()
}
