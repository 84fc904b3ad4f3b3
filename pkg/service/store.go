package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/minipd/pkg/fsm"
	"github.com/cuemby/minipd/pkg/storage"
	"github.com/cuemby/minipd/pkg/types"
)

const storePrefix = "store/"

func storeKey(id uint64) []byte {
	buf := make([]byte, len(storePrefix)+8)
	copy(buf, storePrefix)
	binary.BigEndian.PutUint64(buf[len(storePrefix):], id)
	return buf
}

// PutStore registers or replaces a store's metadata.
func (s *Service) PutStore(ctx context.Context, store types.Store) error {
	raw, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("service: encode store %d: %w", store.ID, err)
	}
	data, err := fsm.EncodePut(dataKey(storeKey(store.ID)), raw)
	if err != nil {
		return fmt.Errorf("service: encode put_store %d: %w", store.ID, err)
	}
	if err := s.client.Propose(ctx, data); err != nil {
		return fmt.Errorf("service: put_store %d: %w", store.ID, err)
	}
	return nil
}

// GetStore returns a single store's metadata, reading from a linearizable
// snapshot so a GetStore immediately following a PutStore observes it.
func (s *Service) GetStore(ctx context.Context, id uint64) (types.Store, bool, error) {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return types.Store{}, false, fmt.Errorf("service: get_store %d: %w", id, err)
	}
	defer snap.Close()

	raw, ok := snap.Get(storeKey(id))
	if !ok {
		return types.Store{}, false, nil
	}
	var st types.Store
	if err := json.Unmarshal(raw, &st); err != nil {
		return types.Store{}, false, fmt.Errorf("service: decode store %d: %w", id, err)
	}
	return st, true, nil
}

// GetAllStores returns every registered store.
func (s *Service) GetAllStores(ctx context.Context) ([]types.Store, error) {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: get_all_stores: %w", err)
	}
	defer snap.Close()

	var stores []types.Store
	var decodeErr error
	snap.Scan([]byte(storePrefix), func(_, value []byte) bool {
		var st types.Store
		if err := json.Unmarshal(value, &st); err != nil {
			decodeErr = fmt.Errorf("service: decode store: %w", err)
			return false
		}
		stores = append(stores, st)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return stores, nil
}

// StoreHeartbeat updates a store's last-heartbeat timestamp and state, as
// reported by the store itself. A heartbeat from an unregistered store id is
// rejected rather than silently creating one, since a store's identity is
// only ever established by PutStore.
func (s *Service) StoreHeartbeat(ctx context.Context, id uint64, state types.StoreState, at time.Time) error {
	existing, ok, err := s.GetStore(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("service: store_heartbeat: unknown store %d", id)
	}
	existing.State = state
	existing.LastHeartbeat = at
	return s.PutStore(ctx, existing)
}

// dataKey turns a registry user key (e.g. store/<id>) into the fully
// qualified key applyCommand's Put validates against.
func dataKey(userKey []byte) []byte {
	return storage.DataKey(userKey)
}
