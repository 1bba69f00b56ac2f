package protocol

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Parameters are the session constants of a SUOTA update. They are read once
// from the peripheral; only MTU and BlockSize change afterwards, when
// negotiated against the link.
type Parameters struct {
	Version       uint16
	PatchDataSize uint16
	MTU           uint16
	L2CAPPSM      uint16
	BlockSize     int
}

// ReadParameters reads the four SUOTA parameter characteristics. The reads
// are independent and issued concurrently.
func ReadParameters(ctx context.Context, t Transport) (Parameters, error) {
	params := Parameters{
		MTU:       DefaultMTU,
		BlockSize: DefaultBlockSize,
	}

	g, ctx := errgroup.WithContext(ctx)
	read := func(characteristic uuid.UUID, name string, dst *uint16) {
		g.Go(func() error {
			buf, err := t.ReadDescriptor(ctx, ServiceUUID, characteristic)
			if err != nil {
				return errors.Wrapf(err, "read %s", name)
			}
			if len(buf) < 2 {
				return errors.Errorf("read %s: short value (%d bytes)", name, len(buf))
			}
			*dst = DecodeUint16LE(buf)
			return nil
		})
	}
	read(VersionUUID, "suota version", &params.Version)
	read(PatchDataCharSizeUUID, "patch data size", &params.PatchDataSize)
	read(MTUUUID, "mtu", &params.MTU)
	read(L2CAPPSMUUID, "l2cap psm", &params.L2CAPPSM)

	if err := g.Wait(); err != nil {
		return Parameters{}, err
	}
	return params, nil
}

// DesiredMTU is the ATT MTU that lets one write carry a full patch data
// characteristic.
func (p Parameters) DesiredMTU() int {
	return int(p.PatchDataSize) + ATTHeaderSize
}

// Negotiate clamps the SUOTA MTU to the MTU granted by the link and raises
// BlockSize to at least one chunk. The result is the parameter set the
// transfer runs with.
func (p Parameters) Negotiate(granted int) (Parameters, error) {
	mtu := min(int(p.MTU), granted, p.DesiredMTU())
	if mtu <= ATTHeaderSize {
		return p, errors.Errorf("unusable mtu %d (device %d, granted %d, patch data size %d)",
			mtu, p.MTU, granted, p.PatchDataSize)
	}
	p.MTU = uint16(mtu)
	if p.BlockSize <= 0 {
		p.BlockSize = DefaultBlockSize
	}
	p.BlockSize = max(p.BlockSize, p.ChunkSize())
	return p, nil
}

// ChunkSize is the payload size of a single patch data write.
func (p Parameters) ChunkSize() int {
	return min(int(p.PatchDataSize), int(p.MTU)-ATTHeaderSize)
}
