package ifdriver

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a mock implementation of the Netlinker interface.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(ns, name string) (netlink.Link, error) {
	args := m.Called(ns, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(netlink.Link), args.Error(1)
}

func (m *MockNetlinker) LinkAdd(ns string, link netlink.Link) error {
	args := m.Called(ns, link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkDel(ns string, link netlink.Link) error {
	args := m.Called(ns, link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetUp(ns string, link netlink.Link) error {
	args := m.Called(ns, link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetMaster(ns string, link, master netlink.Link) error {
	args := m.Called(ns, link, master)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetNs(link netlink.Link, ns string) error {
	args := m.Called(link, ns)
	return args.Error(0)
}

func (m *MockNetlinker) AddrList(ns string, link netlink.Link, family int) ([]netlink.Addr, error) {
	args := m.Called(ns, link, family)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Addr), args.Error(1)
}

func (m *MockNetlinker) AddrAdd(ns string, link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(ns, link, addr)
	return args.Error(0)
}

func (m *MockNetlinker) AddrDel(ns string, link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(ns, link, addr)
	return args.Error(0)
}

func (m *MockNetlinker) DisableTxOffload(ns, name string) error {
	args := m.Called(ns, name)
	return args.Error(0)
}

// MockCommandExecutor is a mock implementation of CommandExecutor.
type MockCommandExecutor struct {
	mock.Mock
}

func (m *MockCommandExecutor) RunCommand(ctx context.Context, name string, arg ...string) (string, error) {
	args := m.Called(name, arg)
	return args.String(0), args.Error(1)
}
