package store

import (
	"fmt"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-merkledag"
	ft "github.com/ipfs/go-unixfs"
	"sort"
)

// BuildDirectory returns the unixfs directory node holding links. Links
// are sorted by name so the same set always yields the same CID.
func BuildDirectory(links []Link) (*merkledag.ProtoNode, error) {
	sorted := make([]Link, len(links))
	copy(sorted, links)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	nd := merkledag.NodeWithData(ft.FolderPBData())
	for i, l := range sorted {
		if l.Name == "" {
			return nil, fmt.Errorf("link %d has no name", i)
		}
		if i > 0 && sorted[i-1].Name == l.Name {
			return nil, fmt.Errorf("duplicate link %s", l.Name)
		}
		err := nd.AddRawLink(l.Name, &ipld.Link{
			Name: l.Name,
			Cid:  l.Cid,
			Size: l.Size,
		})
		if err != nil {
			return nil, err
		}
	}
	return nd, nil
}

// DirectoryCID returns the CID of the directory holding links.
func DirectoryCID(links []Link) (cid.Cid, error) {
	nd, err := BuildDirectory(links)
	if err != nil {
		return cid.Undef, err
	}
	return nd.Cid(), nil
}

// ApplyOps returns links with ops applied in order. Adding an existing
// name replaces its link.
func ApplyOps(links []Link, ops []LinkOp) []Link {
	byName := make(map[string]Link, len(links)+len(ops))
	for _, l := range links {
		byName[l.Name] = l
	}
	for _, op := range ops {
		if op.Remove {
			delete(byName, op.Name)
			continue
		}
		l := byName[op.Name]
		if !l.Cid.Equals(op.Cid) {
			l = Link{Name: op.Name, Cid: op.Cid}
		}
		byName[op.Name] = l
	}
	ret := make([]Link, 0, len(byName))
	for _, l := range byName {
		ret = append(ret, l)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Name < ret[j].Name
	})
	return ret
}

