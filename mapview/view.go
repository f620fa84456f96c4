// Package mapview turns the case collection into what the map page draws:
// a tile layer, one marker per case and the clusters they fall into.
package mapview

import (
	"fmt"
	"strings"
	"time"

	"github.com/Nxdus/asf-fieldmap/priority"
	"github.com/Nxdus/asf-fieldmap/services"
)

const (
	DefaultClusterRadiusKm = 25.0
	DefaultZoom            = 4
	Attribution            = `&copy; <a href="https://www.mapbox.com/about/maps/">Mapbox</a> &copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a>`
)

var DefaultCenter = [2]float64{51.505, -0.09}

type Options struct {
	// TileURL holds one %s for the tile key.
	TileURL         string
	ClusterRadiusKm float64
	Center          [2]float64
	Zoom            int
	Now             time.Time
}

// Detail is what a marker popup shows. Case fields are copied verbatim.
type Detail struct {
	Probability  float64  `json:"prob"`
	User         string   `json:"user"`
	Organization string   `json:"org"`
	Date         string   `json:"date"`
	Priority     string   `json:"priority"`
	Score        int      `json:"score"`
	Reasons      []string `json:"reasons,omitempty"`
}

type Marker struct {
	ID        int     `json:"id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	ClusterID int     `json:"clusterId"`
	Detail    Detail  `json:"detail"`
}

type Cluster struct {
	ID        int     `json:"id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Count     int     `json:"count"`
	MarkerIDs []int   `json:"markerIds"`
}

type View struct {
	// Blocked is set while no tile key is known. Nothing is requested then.
	Blocked     bool       `json:"blocked"`
	TileURL     string     `json:"tileUrl,omitempty"`
	Attribution string     `json:"attribution,omitempty"`
	Center      [2]float64 `json:"center"`
	Zoom        int        `json:"zoom"`
	Markers     []Marker   `json:"markers"`
	Clusters    []Cluster  `json:"clusters"`
}

// Render is a pure function of its inputs; cases is not modified.
func Render(cases []services.CaseRecord, tileKey string, opts Options) View {
	opts = withDefaults(opts)
	v := View{
		Center:   opts.Center,
		Zoom:     opts.Zoom,
		Markers:  []Marker{},
		Clusters: []Cluster{},
	}

	if strings.TrimSpace(tileKey) == "" {
		v.Blocked = true
		return v
	}
	v.TileURL = fmt.Sprintf(opts.TileURL, tileKey)
	v.Attribution = Attribution

	if len(cases) == 0 {
		return v
	}

	idx := NewIndex(cases)
	v.Markers = make([]Marker, len(cases))
	for i, c := range cases {
		res := priority.Calculate(c, priority.Factors{Now: opts.Now, NearbyCases: idx.Nearby(i, opts.ClusterRadiusKm)})
		v.Markers[i] = Marker{
			ID:        i,
			Lat:       c.Lat,
			Lng:       c.Lng,
			ClusterID: -1,
			Detail: Detail{
				Probability:  c.Probability,
				User:         c.User,
				Organization: c.Organization,
				Date:         c.Date,
				Priority:     res.Level,
				Score:        res.Score,
				Reasons:      res.Reasons,
			},
		}
	}

	v.Clusters = cluster(idx, v.Markers, opts.ClusterRadiusKm)
	return v
}

// cluster groups markers greedily in collection order: each unassigned
// marker seeds a group with every unassigned marker within radiusKm.
// Groups of one stay plain markers.
func cluster(idx *Index, markers []Marker, radiusKm float64) []Cluster {
	clusters := []Cluster{}
	assigned := make([]bool, len(markers))

	for i := range markers {
		if assigned[i] {
			continue
		}

		members := make([]int, 0, 1)
		for _, j := range idx.Within(i, radiusKm) {
			if !assigned[j] {
				members = append(members, j)
			}
		}
		if len(members) < 2 {
			continue
		}

		cl := Cluster{ID: len(clusters), Count: len(members), MarkerIDs: members}
		// longitudes are averaged as offsets from the first member so a
		// cluster straddling the date line stays on it
		ref := markers[members[0]].Lng
		var dLng float64
		for _, j := range members {
			assigned[j] = true
			markers[j].ClusterID = cl.ID
			cl.Lat += markers[j].Lat
			d := markers[j].Lng - ref
			if d > 180 {
				d -= 360
			} else if d < -180 {
				d += 360
			}
			dLng += d
		}
		cl.Lat /= float64(len(members))
		cl.Lng = ref + dLng/float64(len(members))
		if cl.Lng > 180 {
			cl.Lng -= 360
		} else if cl.Lng < -180 {
			cl.Lng += 360
		}
		clusters = append(clusters, cl)
	}
	return clusters
}

func withDefaults(opts Options) Options {
	if opts.TileURL == "" {
		opts.TileURL = "https://api.mapbox.com/styles/v1/mapbox/streets-v11/tiles/{z}/{x}/{y}?access_token=%s"
	}
	if opts.ClusterRadiusKm <= 0 {
		opts.ClusterRadiusKm = DefaultClusterRadiusKm
	}
	if opts.Center == [2]float64{} {
		opts.Center = DefaultCenter
	}
	if opts.Zoom <= 0 {
		opts.Zoom = DefaultZoom
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	return opts
}
