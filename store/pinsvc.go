package store

import (
	"context"
	"fmt"
	"github.com/ipfs/go-cid"
	pinclient "github.com/ipfs/go-pinning-service-http-client"
	"strconv"
)

// statusChunk is the number of CIDs per status query.
const statusChunk = 10

var allStatuses = []pinclient.Status{
	pinclient.StatusQueued,
	pinclient.StatusPinning,
	pinclient.StatusPinned,
	pinclient.StatusFailed,
}

// PinService tracks pins on a remote pinning service.
type PinService struct {
	client   *pinclient.Client
	importer BlockImporter
}

// NewPinService returns a pinner for the service at endpoint. Imported
// DAGs are written through importer, which may be nil.
func NewPinService(endpoint, token string, importer BlockImporter) *PinService {
	return &PinService{
		client:   pinclient.NewClient(endpoint, token),
		importer: importer,
	}
}

func toPin(ps pinclient.PinStatusGetter) *Pin {
	p := &Pin{
		Cid:       ps.GetPin().GetCid(),
		Status:    PinStatus(ps.GetStatus()),
		Name:      ps.GetPin().GetName(),
		RequestID: ps.GetRequestId(),
		Created:   ps.GetCreated(),
	}
	if size, ok := ps.GetInfo()["size"]; ok {
		if n, err := strconv.ParseUint(size, 10, 64); err == nil {
			p.Size = n
		}
	}
	return p
}

// Pin requests retention of c.
func (s *PinService) Pin(ctx context.Context, c cid.Cid, name string) (*Pin, error) {
	ps, err := s.client.Add(ctx, c, pinclient.PinOpts.WithName(name))
	if err != nil {
		return nil, fmt.Errorf("pin %s: %w", c, err)
	}
	return toPin(ps), nil
}

// Status queries the service in chunks. When a CID has several pin
// requests the most advanced one wins.
func (s *PinService) Status(ctx context.Context, cids []cid.Cid) (map[cid.Cid]*Pin, error) {
	ret := make(map[cid.Cid]*Pin, len(cids))
	for start := 0; start < len(cids); start += statusChunk {
		end := start + statusChunk
		if end > len(cids) {
			end = len(cids)
		}
		pins, err := s.client.LsSync(ctx,
			pinclient.PinOpts.FilterCIDs(cids[start:end]...),
			pinclient.PinOpts.FilterStatus(allStatuses...),
		)
		if err != nil {
			return nil, err
		}
		for _, ps := range pins {
			p := toPin(ps)
			if prev, ok := ret[p.Cid]; ok && statusRank(prev.Status) >= statusRank(p.Status) {
				continue
			}
			ret[p.Cid] = p
		}
	}
	return ret, nil
}

func statusRank(s PinStatus) int {
	switch s {
	case PinPinned:
		return 3
	case PinPinning:
		return 2
	case PinQueued:
		return 1
	default:
		return 0
	}
}

// Unpin deletes every pin request for c.
func (s *PinService) Unpin(ctx context.Context, c cid.Cid) error {
	pins, err := s.client.LsSync(ctx,
		pinclient.PinOpts.FilterCIDs(c),
		pinclient.PinOpts.FilterStatus(allStatuses...),
	)
	if err != nil {
		return err
	}
	for _, ps := range pins {
		if err := s.client.DeleteByID(ctx, ps.GetRequestId()); err != nil {
			return fmt.Errorf("unpin %s: %w", c, err)
		}
	}
	return nil
}

// ImportDAG writes the blocks through the importer and requests the pin
// again so the service finds a provider.
func (s *PinService) ImportDAG(ctx context.Context, root cid.Cid, blocks []Block) error {
	if s.importer == nil {
		return ErrUnsupported
	}
	if err := s.importer.ImportBlocks(ctx, blocks); err != nil {
		return err
	}
	_, err := s.client.Add(ctx, root, pinclient.PinOpts.WithName(root.String()))
	return err
}

// List returns the pins matching opts.
func (s *PinService) List(ctx context.Context, opts ListOptions) ([]*Pin, error) {
	lsOpts := []pinclient.LsOption{}
	if len(opts.Status) > 0 {
		statuses := make([]pinclient.Status, 0, len(opts.Status))
		for _, st := range opts.Status {
			statuses = append(statuses, pinclient.Status(st))
		}
		lsOpts = append(lsOpts, pinclient.PinOpts.FilterStatus(statuses...))
	} else {
		lsOpts = append(lsOpts, pinclient.PinOpts.FilterStatus(allStatuses...))
	}
	if !opts.Before.IsZero() {
		lsOpts = append(lsOpts, pinclient.PinOpts.FilterBefore(opts.Before))
	}
	if opts.Limit > 0 {
		lsOpts = append(lsOpts, pinclient.PinOpts.Limit(opts.Limit))
	}
	pins, err := s.client.LsSync(ctx, lsOpts...)
	if err != nil {
		return nil, err
	}
	ret := make([]*Pin, 0, len(pins))
	for _, ps := range pins {
		ret = append(ret, toPin(ps))
	}
	return ret, nil
}

// Usage returns the pin count reported by the service. The service API
// carries no byte totals, so Bytes sums the sizes reported in pin info.
func (s *PinService) Usage(ctx context.Context) (*Usage, error) {
	pins, err := s.client.LsSync(ctx, pinclient.PinOpts.FilterStatus(pinclient.StatusPinned))
	if err != nil {
		return nil, err
	}
	u := &Usage{Pins: uint64(len(pins))}
	for _, ps := range pins {
		u.Bytes += toPin(ps).Size
	}
	return u, nil
}
