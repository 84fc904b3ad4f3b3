// Package service exposes the placement driver's external operations at the
// Go interface level: cluster membership, id/timestamp allocation,
// bootstrap, and store/region metadata. It mirrors the method set of the
// source's pd.rs service (AllocID, Tso, Bootstrap, IsBootstrapped,
// GetMembers, GetStore, PutStore, StoreHeartbeat, GetRegion, GetRegionByID,
// RegionHeartbeat) without a gRPC wire format — wiring that surface onto a
// transport is explicitly out of scope.
//
// Region/store *scheduling* (split, scatter, operators, GC safe points) is
// out of scope too; this package only ever stores and reads back what
// clients report.
package service
