package body_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqtest"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/body"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
)

type BodySuite struct {
	*rqtest.Suite
	store *body.BlobStore
	key   model.QueueKey
}

func TestBodySuite(t *testing.T) {
	rqtest.Run(t, &BodySuite{Suite: rqtest.NewSuite()})
}

func (s *BodySuite) SetupTest() {
	s.Suite.SetupTest()
	broker := resource.NewBroker(rqtest.NewFakeFactory(), 0)
	s.store = body.New(broker, func(model.QueueKey) (string, error) { return "conn", nil })
	s.key = model.NewQueueKey("orders")
}

func (s *BodySuite) TestWriteReadRoundTrip() {
	want := []byte("hello body")
	res, err := s.store.Write(s.Ctx, s.key, "msg-1", want)
	s.Require().NoError(err)
	s.Equal(int64(len(want)), res.Size)
	s.False(res.BodyIsNull)

	got, isNull, err := s.store.Read(s.Ctx, s.key, "msg-1")
	s.Require().NoError(err)
	s.False(isNull)
	s.Equal(want, got)
}

func (s *BodySuite) TestWriteEmptyIsNullBody() {
	res, err := s.store.Write(s.Ctx, s.key, "msg-2", nil)
	s.Require().NoError(err)
	s.True(res.BodyIsNull)
	s.Zero(res.Size)

	_, isNull, err := s.store.Read(s.Ctx, s.key, "msg-2")
	s.Require().NoError(err)
	s.True(isNull)
}

func (s *BodySuite) TestReadNeverWrittenIsNullBody() {
	data, isNull, err := s.store.Read(s.Ctx, s.key, "never-written")
	s.Require().NoError(err)
	s.True(isNull)
	s.Nil(data)
}

func (s *BodySuite) TestDeleteIsNoOpWhenMissing() {
	err := s.store.Delete(s.Ctx, s.key, "never-written")
	s.NoError(err)
}

func (s *BodySuite) TestDeleteRemovesBlob() {
	_, err := s.store.Write(s.Ctx, s.key, "msg-3", []byte("x"))
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.Ctx, s.key, "msg-3"))

	_, isNull, err := s.store.Read(s.Ctx, s.key, "msg-3")
	s.Require().NoError(err)
	s.True(isNull)
}

func (s *BodySuite) TestLargeBodyRoundTrip() {
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i)
	}
	res, err := s.store.Write(s.Ctx, s.key, "big", data)
	s.Require().NoError(err)
	s.Equal(int64(1<<20), res.Size)

	got, isNull, err := s.store.Read(s.Ctx, s.key, "big")
	s.Require().NoError(err)
	s.False(isNull)
	s.Equal(data, got)
}

var _ suite.TestingSuite = (*BodySuite)(nil)
