package dedup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mdopp/diabay/models"
	"github.com/mdopp/diabay/repository"
	"github.com/mdopp/diabay/utils"
)

// Source selects which directory a scan covers
type Source string

const (
	SourceInput  Source = "input"
	SourceOutput Source = "output"
)

// GroupType classifies how close a duplicate group's members are
type GroupType string

const (
	GroupExact   GroupType = "exact"
	GroupNear    GroupType = "near"
	GroupSimilar GroupType = "similar"
)

// NearDistance is the secondary threshold separating near duplicates from
// merely similar ones. Distance 0 is exact.
const NearDistance = 0.04

// Member is one image inside a duplicate group
type Member struct {
	ImageID   uint      `json:"image_id,omitempty"` // 0 for input-source files without a record
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	FileSize  int64     `json:"file_size"`
}

// Group is one cluster of images within the similarity threshold. A
// scan's result set is immutable once returned; deletions act on it but
// never mutate it.
type Group struct {
	ID                 string    `json:"id"`
	Members            []Member  `json:"members"`
	RepresentativeID   uint      `json:"representative_id,omitempty"`
	RepresentativePath string    `json:"representative_path"`
	Similarity         float64   `json:"similarity"`
	Type               GroupType `json:"type"`
}

type candidate struct {
	member Member
	hash   string
}

// Detector finds duplicate and similar images by perceptual fingerprint.
// It writes only to the fingerprint table; image records stay untouched.
type Detector struct {
	Images       repository.ImageRepositoryInterface
	Fingerprints repository.FingerprintRepositoryInterface
	Hasher       Hasher

	InputDir  string
	OutputDir string

	// Workers bounds hashing concurrency so a scan cannot starve the
	// pipeline lane for I/O bandwidth
	Workers int
}

// Scan fingerprints every image under the chosen source and clusters the
// ones whose pairwise distance is within 1-threshold. Grouping takes the
// transitive closure over the threshold relation, so near-duplicate
// chains are never split just because similarity is not transitive at
// the boundary. Cancellation via ctx returns no partial result.
func (d *Detector) Scan(ctx context.Context, source Source, threshold float64, progress *Progress) ([]Group, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("dedup: threshold %g out of range [0,1]", threshold)
	}

	candidates, err := d.collect(ctx, source, progress)
	if err != nil {
		if progress != nil {
			progress.finish("Scan aborted")
		}
		return nil, err
	}

	groups, err := groupCandidates(candidates, threshold, d.Hasher)
	if err != nil {
		if progress != nil {
			progress.finish("Scan failed")
		}
		return nil, err
	}

	if progress != nil {
		progress.finish(fmt.Sprintf("Found %d duplicate group(s)", len(groups)))
	}
	log.Printf("dedup: scan of %s found %d group(s) among %d image(s)", source, len(groups), len(candidates))
	return groups, nil
}

// MatchAgainstStored finds the closest stored fingerprint within
// 1-threshold of hash, excluding excludeImageID. Returns nil when nothing
// matches. The pipeline's auto-skip option uses this during the
// duplicate_check stage.
func (d *Detector) MatchAgainstStored(hash string, threshold float64, excludeImageID uint) (*models.Fingerprint, float64, error) {
	stored, err := d.Fingerprints.ListAll()
	if err != nil {
		return nil, 0, err
	}

	maxDistance := 1 - threshold
	var best *models.Fingerprint
	bestDistance := 1.0

	for i := range stored {
		fp := stored[i]
		if fp.ImageID == excludeImageID {
			continue
		}
		distance, err := d.Hasher.Distance(hash, fp.HashValue)
		if err != nil {
			log.Printf("dedup: skipping unreadable fingerprint for image %d: %v", fp.ImageID, err)
			continue
		}
		if distance <= maxDistance && distance < bestDistance {
			best = &stored[i]
			bestDistance = distance
		}
	}

	if best == nil {
		return nil, 0, nil
	}
	return best, bestDistance, nil
}

// collect gathers the fingerprinted candidates for one source, computing
// missing hashes through a bounded worker pool
func (d *Detector) collect(ctx context.Context, source Source, progress *Progress) ([]candidate, error) {
	switch source {
	case SourceInput:
		return d.collectFromDirectory(ctx, d.InputDir, progress)
	case SourceOutput:
		return d.collectFromRecords(ctx, progress)
	default:
		return nil, fmt.Errorf("dedup: unknown scan source %q", source)
	}
}

func (d *Detector) collectFromDirectory(ctx context.Context, dir string, progress *Progress) ([]candidate, error) {
	var pending []Member

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !utils.IsRasterImage(info.Name()) {
			return nil
		}
		pending = append(pending, Member{
			Path:      path,
			Filename:  info.Name(),
			CreatedAt: info.ModTime(),
			FileSize:  info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: failed to walk %s: %w", dir, err)
	}

	return d.hashAll(ctx, pending, nil, progress)
}

func (d *Detector) collectFromRecords(ctx context.Context, progress *Progress) ([]candidate, error) {
	images, err := d.Images.ListComplete()
	if err != nil {
		return nil, err
	}

	var cached []candidate
	var pending []Member

	for _, img := range images {
		if img.EnhancedPath == nil {
			continue
		}
		member := Member{
			ImageID:   img.ID,
			Path:      *img.EnhancedPath,
			Filename:  img.Filename,
			CreatedAt: img.CreatedAt,
		}
		if img.FileSize != nil {
			member.FileSize = *img.FileSize
		}

		fp, err := d.Fingerprints.GetByImageID(img.ID)
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				return nil, err
			}
			pending = append(pending, member)
			continue
		}
		cached = append(cached, candidate{member: member, hash: fp.HashValue})
	}

	return d.hashAll(ctx, pending, cached, progress)
}

// hashAll computes fingerprints for pending members with a small worker
// pool and appends them to the cached candidates. Cancellation is checked
// between per-image computations.
func (d *Detector) hashAll(ctx context.Context, pending []Member, cached []candidate, progress *Progress) ([]candidate, error) {
	if progress != nil {
		progress.start(len(pending))
	}
	if len(pending) == 0 {
		return cached, ctx.Err()
	}

	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan Member)
	results := make(chan hashResult, len(pending))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for member := range jobs {
				hash, err := d.Hasher.Compute(member.Path)
				if err != nil {
					log.Printf("dedup: skipping %s: %v", member.Filename, err)
					results <- hashResult{}
					continue
				}
				results <- hashResult{cand: candidate{member: member, hash: hash}, ok: true}
			}
		}()
	}

	go func() {
	feed:
		for _, member := range pending {
			select {
			case <-ctx.Done():
				break feed
			case jobs <- member:
			}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	// progress advances as hashes complete, not as jobs are handed out
	out := cached
	done := 0
	for r := range results {
		done++
		if progress != nil {
			progress.step(done)
		}
		if !r.ok {
			continue
		}
		if r.cand.member.ImageID != 0 {
			// cache for later scans; regrouping never rewrites these
			if err := d.Fingerprints.Upsert(r.cand.member.ImageID, r.cand.hash, d.Hasher.Algorithm()); err != nil {
				log.Printf("dedup: failed to cache fingerprint for image %d: %v", r.cand.member.ImageID, err)
			}
		}
		out = append(out, r.cand)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// hashResult reports one finished hashing job; ok is false when the
// image was unreadable and got skipped
type hashResult struct {
	cand candidate
	ok   bool
}

// groupCandidates clusters candidates with union-find over the threshold
// relation and builds the immutable result groups
func groupCandidates(candidates []candidate, threshold float64, hasher Hasher) ([]Group, error) {
	if len(candidates) < 2 {
		return []Group{}, nil
	}

	maxDistance := 1 - threshold
	dsu := newUnionFind(len(candidates))

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			distance, err := hasher.Distance(candidates[i].hash, candidates[j].hash)
			if err != nil {
				return nil, err
			}
			if distance <= maxDistance {
				dsu.union(i, j)
			}
		}
	}

	components := make(map[int][]int)
	for i := range candidates {
		root := dsu.find(i)
		components[root] = append(components[root], i)
	}

	var groups []Group
	for _, indices := range components {
		if len(indices) < 2 {
			continue
		}

		minDistance := 1.0
		sumSimilarity := 0.0
		pairs := 0
		for a := 0; a < len(indices); a++ {
			for b := a + 1; b < len(indices); b++ {
				distance, err := hasher.Distance(candidates[indices[a]].hash, candidates[indices[b]].hash)
				if err != nil {
					return nil, err
				}
				if distance < minDistance {
					minDistance = distance
				}
				sumSimilarity += 1 - distance
				pairs++
			}
		}

		members := make([]Member, 0, len(indices))
		for _, idx := range indices {
			members = append(members, candidates[idx].member)
		}
		sort.Slice(members, func(a, b int) bool {
			if !members[a].CreatedAt.Equal(members[b].CreatedAt) {
				return members[a].CreatedAt.Before(members[b].CreatedAt)
			}
			return members[a].Path < members[b].Path
		})

		rep := pickRepresentative(members)
		groups = append(groups, Group{
			ID:                 uuid.NewString(),
			Members:            members,
			RepresentativeID:   rep.ImageID,
			RepresentativePath: rep.Path,
			Similarity:         sumSimilarity / float64(pairs),
			Type:               classify(minDistance),
		})
	}

	sort.Slice(groups, func(a, b int) bool {
		return groups[a].RepresentativePath < groups[b].RepresentativePath
	})
	return groups, nil
}

// pickRepresentative keeps the earliest scan; on a created_at tie the
// larger file wins, assumed higher fidelity
func pickRepresentative(members []Member) Member {
	rep := members[0]
	for _, m := range members[1:] {
		if m.CreatedAt.Before(rep.CreatedAt) {
			rep = m
			continue
		}
		if m.CreatedAt.Equal(rep.CreatedAt) && m.FileSize > rep.FileSize {
			rep = m
		}
	}
	return rep
}

func classify(minDistance float64) GroupType {
	switch {
	case minDistance == 0:
		return GroupExact
	case minDistance <= NearDistance:
		return GroupNear
	default:
		return GroupSimilar
	}
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}
