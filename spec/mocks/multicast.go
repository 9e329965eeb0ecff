package mocks

import (
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/multicast"

	"github.com/stretchr/testify/mock"
)

type MulticastGroup struct {
	mock.Mock
}

var _ multicast.Group = (*MulticastGroup)(nil)

func (m *MulticastGroup) Wedge() {
	m.Called()
}

func (m *MulticastGroup) IsWedged() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MulticastGroup) CheckPendingSSTSends(sg gms.SubgroupID) bool {
	args := m.Called(sg)
	return args.Bool(0)
}

func (m *MulticastGroup) ReceiverPredicate(sg gms.SubgroupID) bool {
	args := m.Called(sg)
	return args.Bool(0)
}

func (m *MulticastGroup) ReceiverFunction(sg gms.SubgroupID) {
	m.Called(sg)
}

func (m *MulticastGroup) DeliverMessagesUpto(maxReceivedIndices []int32, sg gms.SubgroupID, numSenders int32) error {
	args := m.Called(maxReceivedIndices, sg, numSenders)
	return args.Error(0)
}

func (m *MulticastGroup) Send(sg gms.SubgroupID) bool {
	args := m.Called(sg)
	return args.Bool(0)
}

func (m *MulticastGroup) GetSendBuffer(sg gms.SubgroupID, payloadSize int, pauseSendingTurns int, cooked bool, null bool) ([]byte, error) {
	args := m.Called(sg, payloadSize, pauseSendingTurns, cooked, null)
	v := args.Get(0)
	e := args.Error(1)
	if v == nil {
		return nil, e
	}
	return v.([]byte), e
}

func (m *MulticastGroup) ComputeGlobalStabilityFrontier(sg gms.SubgroupID) uint64 {
	args := m.Called(sg)
	return args.Get(0).(uint64)
}

func (m *MulticastGroup) SubgroupSettings() map[gms.SubgroupID]multicast.Settings {
	args := m.Called()
	v := args.Get(0)
	if v == nil {
		return nil
	}
	return v.(map[gms.SubgroupID]multicast.Settings)
}
