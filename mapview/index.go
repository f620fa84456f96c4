package mapview

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"

	"github.com/Nxdus/asf-fieldmap/services"
)

const (
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
	earthRadius = 6371.0 // km
	pointTol    = 1e-9
)

type indexedCase struct {
	idx  int
	lat  float64
	lng  float64
	rect rtreego.Rect
}

func (c *indexedCase) Bounds() rtreego.Rect {
	return c.rect
}

// Index is a read-only R-tree over one case collection.
type Index struct {
	tree  *rtreego.Rtree
	items []*indexedCase
}

func NewIndex(cases []services.CaseRecord) *Index {
	items := make([]*indexedCase, len(cases))
	objs := make([]rtreego.Spatial, len(cases))
	for i, c := range cases {
		items[i] = &indexedCase{
			idx:  i,
			lat:  c.Lat,
			lng:  c.Lng,
			rect: rtreego.Point{c.Lat, c.Lng}.ToRect(pointTol),
		}
		objs[i] = items[i]
	}
	return &Index{
		tree:  rtreego.NewTree(dimensions, minChildren, maxChildren, objs...),
		items: items,
	}
}

func (x *Index) Len() int {
	return len(x.items)
}

// Within returns the indexes of every case within radiusKm of case i,
// including i itself, in ascending order of index.
func (x *Index) Within(i int, radiusKm float64) []int {
	if i < 0 || i >= x.Len() {
		return nil
	}
	center := x.items[i]
	if radiusKm <= 0 {
		return []int{i}
	}

	dLat := (radiusKm / earthRadius) * (180 / math.Pi)
	cos := math.Cos(center.lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLng := dLat / cos

	seen := make(map[int]bool)
	out := make([]int, 0, 8)
	for _, span := range lngSpans(center.lng, dLng) {
		bounds, err := rtreego.NewRect(
			rtreego.Point{center.lat - dLat, span[0]},
			[]float64{2 * dLat, span[1] - span[0]},
		)
		if err != nil {
			continue
		}
		for _, h := range x.tree.SearchIntersect(bounds) {
			item, ok := h.(*indexedCase)
			if !ok || seen[item.idx] {
				continue
			}
			if item.idx == i || haversineDistance(center.lat, center.lng, item.lat, item.lng) <= radiusKm {
				seen[item.idx] = true
				out = append(out, item.idx)
			}
		}
	}
	if !seen[i] {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// lngSpans returns the longitude ranges covering lng±d, split in two when
// the range crosses the antimeridian.
func lngSpans(lng, d float64) [][2]float64 {
	lo, hi := lng-d, lng+d
	switch {
	case d >= 180:
		return [][2]float64{{-180, 180}}
	case lo < -180:
		return [][2]float64{{lo + 360, 180}, {-180, hi}}
	case hi > 180:
		return [][2]float64{{lo, 180}, {-180, hi - 360}}
	}
	return [][2]float64{{lo, hi}}
}

// Nearby counts the other cases within radiusKm of case i.
func (x *Index) Nearby(i int, radiusKm float64) int {
	return len(x.Within(i, radiusKm)) - 1
}

func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}
