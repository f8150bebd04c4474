package app

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/charlpcronje/FXD-sub007/internal/core/ports"
	"github.com/charlpcronje/FXD-sub007/internal/engine/signal"
	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/shared/observability"
)

// storeService decorates the App with tracing spans. All semantics live
// on App; this layer only annotates.
type storeService struct {
	app *App
}

var _ ports.StoreService = (*storeService)(nil)

// Service returns the traced driving port for this App.
func (a *App) Service() ports.StoreService {
	return &storeService{app: a}
}

func startSpan(ctx context.Context, name string, id store.NodeID) (context.Context, trace.Span) {
	ctx, span := observability.Tracer.Start(ctx, name)
	if id != "" {
		span.SetAttributes(attribute.String("node.id", string(id)))
	}
	return ctx, span
}

func (s *storeService) Get(ctx context.Context, id store.NodeID) (*store.Node, error) {
	ctx, span := startSpan(ctx, "store.get", id)
	defer span.End()
	return s.app.Get(ctx, id)
}

func (s *storeService) Create(ctx context.Context, req ports.CreateRequest) (ports.MutationResult, error) {
	ctx, span := startSpan(ctx, "store.create", req.ID)
	defer span.End()
	return s.app.Create(ctx, req)
}

func (s *storeService) Patch(ctx context.Context, req ports.PatchRequest) (ports.MutationResult, error) {
	ctx, span := startSpan(ctx, "store.patch", req.ID)
	defer span.End()
	return s.app.Patch(ctx, req)
}

func (s *storeService) Replace(ctx context.Context, req ports.PatchRequest) (ports.MutationResult, error) {
	ctx, span := startSpan(ctx, "store.replace", req.ID)
	defer span.End()
	return s.app.Replace(ctx, req)
}

func (s *storeService) Delete(ctx context.Context, req ports.DeleteRequest) (ports.MutationResult, error) {
	ctx, span := startSpan(ctx, "store.delete", req.ID)
	defer span.End()
	return s.app.Delete(ctx, req)
}

func (s *storeService) Link(ctx context.Context, req ports.LinkRequest) (ports.MutationResult, error) {
	ctx, span := startSpan(ctx, "store.link", req.Parent)
	defer span.End()
	return s.app.Link(ctx, req)
}

func (s *storeService) Unlink(ctx context.Context, req ports.LinkRequest) (ports.MutationResult, error) {
	ctx, span := startSpan(ctx, "store.unlink", req.Parent)
	defer span.End()
	return s.app.Unlink(ctx, req)
}

func (s *storeService) SetMeta(ctx context.Context, req ports.SetMetaRequest) (ports.MutationResult, error) {
	ctx, span := startSpan(ctx, "store.set_meta", req.ID)
	defer span.End()
	return s.app.SetMeta(ctx, req)
}

func (s *storeService) Subscribe(ctx context.Context, cursor uint64, filter signal.Filter) (*signal.Subscription, error) {
	ctx, span := startSpan(ctx, "signals.subscribe", "")
	defer span.End()
	return s.app.Subscribe(ctx, cursor, filter)
}

func (s *storeService) Read(ctx context.Context, cursor uint64, filter signal.Filter) ([]signal.Signal, error) {
	ctx, span := startSpan(ctx, "signals.read", "")
	defer span.End()
	return s.app.Read(ctx, cursor, filter)
}

func (s *storeService) Sync(ctx context.Context) error {
	ctx, span := startSpan(ctx, "store.sync", "")
	defer span.End()
	return s.app.Sync(ctx)
}

func (s *storeService) Checkpoint(ctx context.Context) error {
	ctx, span := startSpan(ctx, "store.checkpoint", "")
	defer span.End()
	return s.app.Checkpoint(ctx)
}

func (s *storeService) Compact(ctx context.Context) error {
	ctx, span := startSpan(ctx, "store.compact", "")
	defer span.End()
	return s.app.Compact(ctx)
}

func (s *storeService) Close(ctx context.Context) error {
	return s.app.Close(ctx)
}
