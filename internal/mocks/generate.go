// Package mocks provides gomock implementations of the store ports in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	locks := mocks.NewMockLockStore(ctrl)
//	locks.EXPECT().TryAcquire(gomock.Any(), "42", gomock.Any()).Return(false, nil)
package mocks

// MockLockStore: TryAcquire, Release
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=lock_store_mock.go github.com/target/mmk-queue/internal/core LockStore

// MockDaemonRegistry: Register, EnterPhase, Beat, ClearEndpoint, ListDaemons
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=daemon_registry_mock.go github.com/target/mmk-queue/internal/core DaemonRegistry
