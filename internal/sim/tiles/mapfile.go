package tiles

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MapFile is the on-disk description of a map: dimensions, arena rectangles, placed
// game objects and blocked tiles.
type MapFile struct {
	ID        string      `yaml:"id"`
	World     string      `yaml:"world"`
	Width     int         `yaml:"width"`
	Height    int         `yaml:"height"`
	Arenas    []ArenaDef  `yaml:"arenas"`
	Objects   []ObjectDef `yaml:"objects"`
	Collision [][2]int    `yaml:"collision"`
}

type ArenaDef struct {
	Sector string `yaml:"sector"`
	Arena  string `yaml:"arena"`
	From   [2]int `yaml:"from"`
	To     [2]int `yaml:"to"`
}

type ObjectDef struct {
	// Name is the last address component; the full address is world:sector:arena:name.
	Name  string   `yaml:"name"`
	Tiles [][2]int `yaml:"tiles"`
}

// LoadMap reads <dir>/<id>.yaml and builds a store seeded with one idle record per
// game-object tile.
func LoadMap(dir, id string) (*Store, error) {
	path := filepath.Join(dir, id+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf MapFile
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if mf.ID == "" {
		mf.ID = id
	}
	if mf.ID != id {
		return nil, fmt.Errorf("%s: id %q does not match file name", filepath.Base(path), mf.ID)
	}
	return Build(mf)
}

// Build turns a parsed map file into a populated store.
func Build(mf MapFile) (*Store, error) {
	if mf.Width <= 0 || mf.Height <= 0 {
		return nil, fmt.Errorf("map %q: width and height must be > 0", mf.ID)
	}
	s := NewStore(mf.ID, mf.Width, mf.Height)

	arenaAt := map[Coord]ArenaDef{}
	for _, a := range mf.Arenas {
		x0, x1 := order(a.From[0], a.To[0])
		y0, y1 := order(a.From[1], a.To[1])
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				c := Coord{X: x, Y: y}
				if !s.InBounds(c) {
					return nil, fmt.Errorf("map %q: arena %s:%s exceeds bounds at %s", mf.ID, a.Sector, a.Arena, c)
				}
				arenaAt[c] = a
				s.setInfo(Tile{Coord: c, World: mf.World, Sector: a.Sector, Arena: a.Arena})
			}
		}
	}

	for _, o := range mf.Objects {
		if o.Name == "" {
			return nil, fmt.Errorf("map %q: object with empty name", mf.ID)
		}
		for _, xy := range o.Tiles {
			c := FromArray(xy)
			if !s.InBounds(c) {
				return nil, fmt.Errorf("map %q: object %q at %s: %w", mf.ID, o.Name, c, ErrOutOfBounds)
			}
			a, ok := arenaAt[c]
			if !ok {
				return nil, fmt.Errorf("map %q: object %q at %s lies outside every arena", mf.ID, o.Name, c)
			}
			t := Tile{Coord: c, World: mf.World, Sector: a.Sector, Arena: a.Arena, GameObject: o.Name}
			s.setInfo(t)
			if err := s.AddEvent(c, IdleEvent(t.Address())); err != nil {
				return nil, err
			}
		}
	}

	for _, xy := range mf.Collision {
		c := FromArray(xy)
		if !s.InBounds(c) {
			return nil, fmt.Errorf("map %q: collision at %s: %w", mf.ID, c, ErrOutOfBounds)
		}
		t := s.ReadTile(c)
		t.Collision = true
		s.setInfo(t)
	}
	return s, nil
}

func order(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}
