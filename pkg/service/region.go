package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/minipd/pkg/fsm"
	"github.com/cuemby/minipd/pkg/types"
)

const regionPrefix = "region/"

func regionKey(id uint64) []byte {
	buf := make([]byte, len(regionPrefix)+8)
	copy(buf, regionPrefix)
	binary.BigEndian.PutUint64(buf[len(regionPrefix):], id)
	return buf
}

func (s *Service) putRegion(ctx context.Context, region types.Region) error {
	raw, err := json.Marshal(region)
	if err != nil {
		return fmt.Errorf("service: encode region %d: %w", region.ID, err)
	}
	data, err := fsm.EncodePut(dataKey(regionKey(region.ID)), raw)
	if err != nil {
		return fmt.Errorf("service: encode put_region %d: %w", region.ID, err)
	}
	if err := s.client.Propose(ctx, data); err != nil {
		return fmt.Errorf("service: put_region %d: %w", region.ID, err)
	}
	return nil
}

// allRegions decodes every registered region from a snapshot. The region
// registry has no secondary index ordered by start key, so GetRegion,
// GetPrevRegion and ScanRegions all pay for a full scan-and-filter over the
// region/ prefix; acceptable for a reference-scale metadata service, but not
// something a large cluster's scheduler would want to call per request.
func allRegions(snap interface {
	Scan(prefix []byte, fn func(userKey, value []byte) bool)
}) ([]types.Region, error) {
	var regions []types.Region
	var decodeErr error
	snap.Scan([]byte(regionPrefix), func(_, value []byte) bool {
		var r types.Region
		if err := json.Unmarshal(value, &r); err != nil {
			decodeErr = fmt.Errorf("service: decode region: %w", err)
			return false
		}
		regions = append(regions, r)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return regions, nil
}

// GetRegionByID returns the region registered under id.
func (s *Service) GetRegionByID(ctx context.Context, id uint64) (types.Region, bool, error) {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return types.Region{}, false, fmt.Errorf("service: get_region_by_id %d: %w", id, err)
	}
	defer snap.Close()

	raw, ok := snap.Get(regionKey(id))
	if !ok {
		return types.Region{}, false, nil
	}
	var r types.Region
	if err := json.Unmarshal(raw, &r); err != nil {
		return types.Region{}, false, fmt.Errorf("service: decode region %d: %w", id, err)
	}
	return r, true, nil
}

// GetRegion returns the region whose [StartKey, EndKey) range contains key.
func (s *Service) GetRegion(ctx context.Context, key []byte) (types.Region, bool, error) {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return types.Region{}, false, fmt.Errorf("service: get_region: %w", err)
	}
	defer snap.Close()

	regions, err := allRegions(snap)
	if err != nil {
		return types.Region{}, false, err
	}
	for _, r := range regions {
		if containsKey(r, key) {
			return r, true, nil
		}
	}
	return types.Region{}, false, nil
}

// GetPrevRegion returns the region immediately preceding the region
// containing key: the region with the greatest StartKey strictly less than
// key's region's StartKey. Used by range scans walking a keyspace backwards.
func (s *Service) GetPrevRegion(ctx context.Context, key []byte) (types.Region, bool, error) {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return types.Region{}, false, fmt.Errorf("service: get_prev_region: %w", err)
	}
	defer snap.Close()

	regions, err := allRegions(snap)
	if err != nil {
		return types.Region{}, false, err
	}

	var current *types.Region
	for i := range regions {
		if containsKey(regions[i], key) {
			current = &regions[i]
			break
		}
	}
	if current == nil {
		return types.Region{}, false, nil
	}

	var best *types.Region
	for i := range regions {
		r := &regions[i]
		if bytes.Compare(r.StartKey, current.StartKey) >= 0 {
			continue
		}
		if best == nil || bytes.Compare(r.StartKey, best.StartKey) > 0 {
			best = r
		}
	}
	if best == nil {
		return types.Region{}, false, nil
	}
	return *best, true, nil
}

// ScanRegions returns up to limit regions in ascending start-key order,
// starting from the first region whose range contains or follows startKey.
// limit <= 0 means no limit.
func (s *Service) ScanRegions(ctx context.Context, startKey []byte, limit int) ([]types.Region, error) {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: scan_regions: %w", err)
	}
	defer snap.Close()

	regions, err := allRegions(snap)
	if err != nil {
		return nil, err
	}

	sortRegionsByStartKey(regions)

	var out []types.Region
	for _, r := range regions {
		if bytes.Compare(r.EndKey, startKey) <= 0 && len(r.EndKey) > 0 {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RegionHeartbeat records the latest reported state for a region: its
// current epoch and peer list (possibly changed since the last heartbeat)
// replace the stored copy outright, exactly as report_region's write side
// does; RegionStats is accepted but not persisted since no scheduling
// decision in this service ever reads it back.
func (s *Service) RegionHeartbeat(ctx context.Context, region types.Region, _ types.RegionStats) error {
	return s.putRegion(ctx, region)
}

func containsKey(r types.Region, key []byte) bool {
	if bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	if len(r.EndKey) > 0 && bytes.Compare(key, r.EndKey) >= 0 {
		return false
	}
	return true
}

func sortRegionsByStartKey(regions []types.Region) {
	sort.Slice(regions, func(i, j int) bool {
		return bytes.Compare(regions[i].StartKey, regions[j].StartKey) < 0
	})
}
