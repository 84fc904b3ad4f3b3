package service

import (
	"context"
	"fmt"

	"github.com/cuemby/minipd/pkg/allocator"
	"github.com/cuemby/minipd/pkg/fsm"
	"github.com/cuemby/minipd/pkg/log"
	"github.com/cuemby/minipd/pkg/types"
	"github.com/google/uuid"
)

// AddressBook is the read side of component 4.D's shared address map, plus
// enumeration for GetMembers. *storage.Storage satisfies this directly.
type AddressBook interface {
	LookupAddress(id uint64) (string, bool)
	Addresses() map[uint64]string
}

// Bootstrapper seeds the initial Raft configuration and address book.
// *fsm.Driver satisfies this directly.
type Bootstrapper interface {
	Bootstrap(peers []uint64, addressBook map[uint64]string) error
}

// Service implements the placement driver's external operations. Every
// write goes through client.Propose and every read of cluster metadata
// through client.Snapshot. Two calls bypass the client: GetMembers reads the
// storage adapter's in-memory address book, and Bootstrap calls the
// Bootstrapper, which seeds storage directly.
type Service struct {
	localID uint64
	client  *fsm.Client
	ids     *allocator.IDAllocator
	tso     *allocator.TSOAllocator
	addrs   AddressBook
	boot    Bootstrapper
}

// New builds a Service. ids and tso are owned by the caller (typically
// cmd/minipd), which also calls tso.Init before first use.
func New(localID uint64, client *fsm.Client, ids *allocator.IDAllocator, tso *allocator.TSOAllocator, addrs AddressBook, boot Bootstrapper) *Service {
	return &Service{localID: localID, client: client, ids: ids, tso: tso, addrs: addrs, boot: boot}
}

// AllocID returns a fresh globally-unique id.
func (s *Service) AllocID(ctx context.Context) (uint64, error) {
	return s.ids.Alloc(ctx)
}

// Tso returns count consecutive timestamps, as the single most-recently
// issued (physical, logical) pair; callers requesting a batch use
// [logical-count+1, logical] for a fixed physical, exactly as pd.rs's
// batched tso stream does.
func (s *Service) Tso(ctx context.Context, count uint64) (allocator.Timestamp, error) {
	return s.tso.Alloc(ctx, count)
}

// IsBootstrapped reports whether the cluster has a first region registered.
func (s *Service) IsBootstrapped(ctx context.Context) (bool, error) {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("service: is_bootstrapped: %w", err)
	}
	defer snap.Close()

	bootstrapped := false
	snap.Scan([]byte(regionPrefix), func(_, _ []byte) bool {
		bootstrapped = true
		return false
	})
	return bootstrapped, nil
}

// Bootstrap idempotently seeds the Raft configuration and address book
// (component 4.A/4.F), then registers the cluster's first store and region.
// Per pd.rs semantics, calling Bootstrap again after a region already exists
// is rejected rather than silently repeated, since a second bootstrap would
// silently overwrite cluster identity.
func (s *Service) Bootstrap(ctx context.Context, peers []uint64, addressBook map[uint64]string, firstStore types.Store, firstRegion types.Region) error {
	requestID := uuid.New().String()
	svcLog := log.WithComponent("service").With().Str("request_id", requestID).Logger()

	if already, err := s.IsBootstrapped(ctx); err != nil {
		return err
	} else if already {
		svcLog.Warn().Msg("rejected bootstrap: cluster already bootstrapped")
		return fmt.Errorf("service: cluster already bootstrapped")
	}

	if err := s.boot.Bootstrap(peers, addressBook); err != nil {
		return fmt.Errorf("service: bootstrap storage: %w", err)
	}
	if err := s.PutStore(ctx, firstStore); err != nil {
		return fmt.Errorf("service: register first store: %w", err)
	}
	if err := s.putRegion(ctx, firstRegion); err != nil {
		return fmt.Errorf("service: register first region: %w", err)
	}
	svcLog.Info().Uint64("store_id", firstStore.ID).Uint64("region_id", firstRegion.ID).Msg("cluster bootstrapped")
	return nil
}

// GetMembers returns every known cluster member, by reading the shared
// address book.
func (s *Service) GetMembers(context.Context) ([]types.Member, error) {
	addrs := s.addrs.Addresses()
	members := make([]types.Member, 0, len(addrs))
	for id, addr := range addrs {
		members = append(members, types.Member{ID: id, Address: addr})
	}
	return members, nil
}
