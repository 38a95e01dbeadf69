// Package registry tracks known protocols, their adapter bindings and the
// active set of protocols currently holding vault funds.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// Options configures a Registry.
type Options struct {
	// Asset is the vault asset; active membership requires a binding for it.
	Asset domain.Asset
	// MaxActive caps the active set. Zero means unlimited.
	MaxActive int
	// Timeout bounds the IsAssetSupported check.
	Timeout time.Duration

	Authorizer authz.Authorizer
	Recorder   events.Recorder
	Logger     *logger.Logger
}

type binding struct {
	protocol domain.ProtocolID
	asset    domain.Asset
}

// Registry is the protocol registry. Reads are unrestricted; every mutation
// consults the Authorizer.
type Registry struct {
	mu        sync.RWMutex
	protocols map[domain.ProtocolID]domain.Protocol
	adapters  map[binding]adapter.Adapter
	active    []domain.ProtocolID

	asset     domain.Asset
	maxActive int
	timeout   time.Duration
	auth      authz.Authorizer
	audit     events.Recorder
	log       *logger.Logger
}

// New creates an empty registry bound to opts.Asset.
func New(opts Options) *Registry {
	if opts.Authorizer == nil {
		opts.Authorizer = authz.AllowAll{}
	}
	if opts.Recorder == nil {
		opts.Recorder = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("registry")
	}
	return &Registry{
		protocols: make(map[domain.ProtocolID]domain.Protocol),
		adapters:  make(map[binding]adapter.Adapter),
		asset:     opts.Asset,
		maxActive: opts.MaxActive,
		timeout:   opts.Timeout,
		auth:      opts.Authorizer,
		audit:     opts.Recorder,
		log:       opts.Logger,
	}
}

// Asset returns the vault asset the registry is bound to.
func (r *Registry) Asset() domain.Asset { return r.asset }

// RegisterProtocol creates an immutable protocol descriptor.
func (r *Registry) RegisterProtocol(ctx context.Context, id domain.ProtocolID, name string) error {
	if err := r.auth.Authorize(ctx); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if id == 0 {
		return svcerrors.ErrInvalidProtocolID
	}
	if name == "" {
		return svcerrors.ErrEmptyName
	}

	r.mu.Lock()
	if _, exists := r.protocols[id]; exists {
		r.mu.Unlock()
		return svcerrors.ErrProtocolExists.WithDetails("protocol_id", id)
	}
	r.protocols[id] = domain.Protocol{ID: id, Name: name}
	r.mu.Unlock()

	r.log.WithField("protocol_id", id).WithField("name", name).Info("protocol registered")
	r.audit.Record(ctx, events.Event{
		Type:       events.EventProtocolRegistered,
		Component:  "registry",
		ProtocolID: id,
		Message:    name,
	})
	return nil
}

// RegisterAdapter binds a for (id, asset). The adapter must report the asset as
// supported. Rebinding the vault asset of an active protocol is refused.
func (r *Registry) RegisterAdapter(ctx context.Context, id domain.ProtocolID, asset domain.Asset, a adapter.Adapter) error {
	if err := r.auth.Authorize(ctx); err != nil {
		return err
	}
	if a == nil {
		return svcerrors.ErrZeroAddress.WithDetails("field", "adapter")
	}
	if !r.isRegistered(id) {
		return svcerrors.ErrProtocolNotFound.WithDetails("protocol_id", id)
	}

	supported, err := adapter.Guard(ctx, r.timeout, "is_asset_supported", func(ctx context.Context) (bool, error) {
		return a.IsAssetSupported(ctx, asset), nil
	})
	if err != nil || !supported {
		return svcerrors.ErrAssetUnsupported.WithDetails("protocol_id", id).WithDetails("asset", asset)
	}

	r.mu.Lock()
	key := binding{id, asset}
	if _, bound := r.adapters[key]; bound && asset == r.asset && r.isActiveLocked(id) {
		r.mu.Unlock()
		return svcerrors.ErrProtocolActive.WithDetails("protocol_id", id)
	}
	r.adapters[key] = a
	r.mu.Unlock()

	r.audit.Record(ctx, events.Event{
		Type:       events.EventAdapterRegistered,
		Component:  "registry",
		ProtocolID: id,
		Metadata:   map[string]string{"asset": string(asset), "adapter": string(a.Address())},
	})
	return nil
}

// RemoveAdapter drops the (id, asset) binding.
func (r *Registry) RemoveAdapter(ctx context.Context, id domain.ProtocolID, asset domain.Asset) error {
	if err := r.auth.Authorize(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	key := binding{id, asset}
	if _, ok := r.adapters[key]; !ok {
		r.mu.Unlock()
		return svcerrors.ErrAdapterNotBound.WithDetails("protocol_id", id).WithDetails("asset", asset)
	}
	if asset == r.asset && r.isActiveLocked(id) {
		r.mu.Unlock()
		return svcerrors.ErrProtocolActive.WithDetails("protocol_id", id)
	}
	delete(r.adapters, key)
	r.mu.Unlock()

	r.audit.Record(ctx, events.Event{
		Type:       events.EventAdapterRemoved,
		Component:  "registry",
		ProtocolID: id,
		Metadata:   map[string]string{"asset": string(asset)},
	})
	return nil
}

// AddActiveProtocol appends id to the active set.
func (r *Registry) AddActiveProtocol(ctx context.Context, id domain.ProtocolID) error {
	if err := r.auth.Authorize(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if err := r.canActivateLocked(id); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.maxActive > 0 && len(r.active) >= r.maxActive {
		r.mu.Unlock()
		return svcerrors.ErrCapacityFull.WithDetails("max_active", r.maxActive)
	}
	r.active = append(r.active, id)
	r.mu.Unlock()

	r.log.WithField("protocol_id", id).Info("protocol activated")
	r.audit.Record(ctx, events.Event{
		Type:       events.EventProtocolAdded,
		Component:  "registry",
		ProtocolID: id,
	})
	return nil
}

// RemoveActiveProtocol drops id from the active set by swapping it with the last
// entry and truncating. Active-set order is not stable across removals.
func (r *Registry) RemoveActiveProtocol(ctx context.Context, id domain.ProtocolID) error {
	if err := r.auth.Authorize(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return svcerrors.ErrNotActive.WithDetails("protocol_id", id)
	}
	if len(r.active) == 1 {
		r.mu.Unlock()
		return svcerrors.ErrLastActiveProtocol.WithDetails("protocol_id", id)
	}
	last := len(r.active) - 1
	r.active[idx] = r.active[last]
	r.active = r.active[:last]
	r.mu.Unlock()

	r.log.WithField("protocol_id", id).Info("protocol deactivated")
	r.audit.Record(ctx, events.Event{
		Type:       events.EventProtocolRemoved,
		Component:  "registry",
		ProtocolID: id,
	})
	return nil
}

// ReplaceActiveProtocol substitutes newID for oldID in place.
func (r *Registry) ReplaceActiveProtocol(ctx context.Context, oldID, newID domain.ProtocolID) error {
	if err := r.auth.Authorize(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	idx := r.indexLocked(oldID)
	if idx < 0 {
		r.mu.Unlock()
		return svcerrors.ErrNotActive.WithDetails("protocol_id", oldID)
	}
	if err := r.canActivateLocked(newID); err != nil {
		r.mu.Unlock()
		return err
	}
	r.active[idx] = newID
	r.mu.Unlock()

	r.log.WithField("old_protocol_id", oldID).WithField("new_protocol_id", newID).Info("protocol replaced")
	r.audit.Record(ctx, events.Event{
		Type:       events.EventProtocolReplaced,
		Component:  "registry",
		ProtocolID: newID,
		Metadata:   map[string]string{"replaced": fmt.Sprint(uint64(oldID))},
	})
	return nil
}

// CanActivate reports whether id could enter the active set right now.
func (r *Registry) CanActivate(id domain.ProtocolID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canActivateLocked(id)
}

// Protocol returns the descriptor for id.
func (r *Registry) Protocol(id domain.ProtocolID) (domain.Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[id]
	return p, ok
}

// Protocols returns all descriptors sorted by id.
func (r *Registry) Protocols() []domain.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Protocol, 0, len(r.protocols))
	for _, p := range r.protocols {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adapter returns the adapter bound for (id, asset).
func (r *Registry) Adapter(id domain.ProtocolID, asset domain.Asset) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[binding{id, asset}]
	if !ok {
		return nil, svcerrors.ErrAdapterNotBound.WithDetails("protocol_id", id).WithDetails("asset", asset)
	}
	return a, nil
}

// BoundProtocols returns every registered protocol with a vault-asset binding,
// sorted by id.
func (r *Registry) BoundProtocols() []domain.ProtocolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ProtocolID
	for id := range r.protocols {
		if _, ok := r.adapters[binding{id, r.asset}]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActiveProtocolIDs returns a copy of the active set in registry order.
func (r *Registry) ActiveProtocolIDs() []domain.ProtocolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProtocolID, len(r.active))
	copy(out, r.active)
	return out
}

// IsActive reports whether id is in the active set.
func (r *Registry) IsActive(id domain.ProtocolID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isActiveLocked(id)
}

// ActiveCount returns the active-set size.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func (r *Registry) isRegistered(id domain.ProtocolID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.protocols[id]
	return ok
}

func (r *Registry) canActivateLocked(id domain.ProtocolID) error {
	if _, ok := r.protocols[id]; !ok {
		return svcerrors.ErrProtocolNotFound.WithDetails("protocol_id", id)
	}
	if _, ok := r.adapters[binding{id, r.asset}]; !ok {
		return svcerrors.ErrAdapterNotBound.WithDetails("protocol_id", id).WithDetails("asset", r.asset)
	}
	if r.isActiveLocked(id) {
		return svcerrors.ErrAlreadyActive.WithDetails("protocol_id", id)
	}
	return nil
}

func (r *Registry) isActiveLocked(id domain.ProtocolID) bool {
	return r.indexLocked(id) >= 0
}

func (r *Registry) indexLocked(id domain.ProtocolID) int {
	for i, a := range r.active {
		if a == id {
			return i
		}
	}
	return -1
}
