//go:build linux

package shm

import (
	"context"
	"math"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/printq/api"
)

type SegmentTestSuite struct {
	suite.Suite
	ctx  context.Context
	opts Options
}

func (s *SegmentTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.opts = Options{Name: "/segment-test", Dir: s.T().TempDir(), Size: 4096}
}

func (s *SegmentTestSuite) TestCreateAndOpenShareMemory() {
	seg, err := Create(s.ctx, s.opts)
	s.Require().NoError(err)
	defer seg.Close() //nolint:errcheck

	peer, err := Open(s.ctx, Options{Name: s.opts.Name, Dir: s.opts.Dir})
	s.Require().NoError(err)
	defer peer.Close() //nolint:errcheck

	s.Equal(4096, peer.Size())
	s.Equal(seg.Path(), peer.Path())
	copy(seg.Bytes(), "print job")
	s.Equal("print job", string(peer.Bytes()[:9]))
}

func (s *SegmentTestSuite) TestCreateReplacesStaleSegment() {
	stale, err := Create(s.ctx, s.opts)
	s.Require().NoError(err)
	copy(stale.Bytes(), "stale")
	s.Require().NoError(stale.Close())

	fresh, err := Create(s.ctx, s.opts)
	s.Require().NoError(err)
	defer fresh.Close() //nolint:errcheck
	s.Equal(make([]byte, 5), fresh.Bytes()[:5], "recreated segment is zeroed")
}

func (s *SegmentTestSuite) TestOpenMissingIsNotFound() {
	_, err := Open(s.ctx, s.opts)
	s.ErrorIs(err, api.ErrNotFound)
}

func (s *SegmentTestSuite) TestOpenSmallerThanExpectedIsNotFound() {
	seg, err := Create(s.ctx, s.opts)
	s.Require().NoError(err)
	defer seg.Close() //nolint:errcheck

	_, err = Open(s.ctx, Options{Name: s.opts.Name, Dir: s.opts.Dir, Size: 8192})
	s.ErrorIs(err, api.ErrNotFound)
}

func (s *SegmentTestSuite) TestCreateRejectsBadInput() {
	_, err := Create(s.ctx, Options{Name: "", Dir: s.opts.Dir, Size: 10})
	s.ErrorIs(err, api.ErrResourceCreation)
	_, err = Create(s.ctx, Options{Name: "a/b", Dir: s.opts.Dir, Size: 10})
	s.ErrorIs(err, api.ErrResourceCreation)
	_, err = Create(s.ctx, Options{Name: "ok", Dir: s.opts.Dir})
	s.ErrorIs(err, api.ErrResourceCreation)
}

func (s *SegmentTestSuite) TestCheckDetectsRemoval() {
	seg, err := Create(s.ctx, s.opts)
	s.Require().NoError(err)
	defer seg.Close() //nolint:errcheck

	s.NoError(seg.Check())
	s.Require().NoError(Remove(s.opts))
	s.ErrorIs(seg.Check(), api.ErrIPCFault)
}

func (s *SegmentTestSuite) TestCheckAfterClose() {
	seg, err := Create(s.ctx, s.opts)
	s.Require().NoError(err)
	s.Require().NoError(seg.Close())
	s.NoError(seg.Close())
	s.ErrorIs(seg.Check(), api.ErrIPCFault)
	s.NoError(seg.Remove())
}

func (s *SegmentTestSuite) TestPath() {
	p, err := Options{Name: "/q", Dir: "/tmp/x"}.Path()
	s.Require().NoError(err)
	s.Equal("/tmp/x/printq.q", p)
	p, err = Options{Name: "q", Dir: "/tmp/x"}.Path()
	s.Require().NoError(err)
	s.Equal("/tmp/x/printq.q", p)
}

func TestSegmentTestSuite(t *testing.T) {
	suite.Run(t, new(SegmentTestSuite))
}

func TestCanCreateOnDevShm(t *testing.T) {
	// only /dev/shm is checked
	assert.Equal(t, true, canCreateOnDevShm(math.MaxUint64, "sdffafds"))
	stat, err := disk.Usage("/dev/shm")
	if err != nil {
		t.Skipf("no /dev/shm: %v", err)
	}
	assert.Equal(t, true, canCreateOnDevShm(stat.Free/2, "/dev/shm/xxx"))
	assert.Equal(t, false, canCreateOnDevShm(math.MaxUint64, "/dev/shm/yyy"))
}
