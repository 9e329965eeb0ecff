package mocks

import (
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/registry"
	"go.tesserae.dev/trellis/spec/transport"

	"github.com/stretchr/testify/mock"
)

type ObjectLog struct {
	mock.Mock
}

var _ registry.ObjectLog = (*ObjectLog)(nil)

func (o *ObjectLog) Append(version gms.Version, data []byte) error {
	args := o.Called(version, data)
	return args.Error(0)
}

func (o *ObjectLog) Truncate(version gms.Version) error {
	args := o.Called(version)
	return args.Error(0)
}

func (o *ObjectLog) TailVersion() (gms.Version, bool, error) {
	args := o.Called()
	return args.Get(0).(gms.Version), args.Bool(1), args.Error(2)
}

func (o *ObjectLog) SendObject(conn transport.Conn) error {
	args := o.Called(conn)
	return args.Error(0)
}

func (o *ObjectLog) ReceiveObject(conn transport.Conn) error {
	args := o.Called(conn)
	return args.Error(0)
}

func (o *ObjectLog) Close() error {
	args := o.Called()
	return args.Error(0)
}
