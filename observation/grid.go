package observation

// Layers is the number of stacked grid slices: floor level and one above.
const Layers = 2

const (
	// FloorLayer holds the blocks at the agent's floor level.
	FloorLayer = 0
	// UpperLayer holds the blocks one level above the floor.
	UpperLayer = 1
)

// Grid is a Layers x Size x Size binary occupancy grid, row-major per layer.
// Once oriented, cell (Size/2-1, Size/2) of each layer is directly ahead of
// the agent.
type Grid struct {
	size  int
	cells []float64
}

// NewGrid returns an all-zero grid.
func NewGrid(size int) Grid {
	return Grid{size: size, cells: make([]float64, Layers*size*size)}
}

func (g Grid) Size() int {
	return g.size
}

func (g Grid) index(layer, row, col int) int {
	return layer*g.size*g.size + row*g.size + col
}

// At returns the value of a cell.
func (g Grid) At(layer, row, col int) float64 {
	return g.cells[g.index(layer, row, col)]
}

// Set writes the value of a cell.
func (g Grid) Set(layer, row, col int, v float64) {
	g.cells[g.index(layer, row, col)] = v
}

// Ahead returns the cell directly in front of the agent on layer.
func (g Grid) Ahead(layer int) float64 {
	mid := g.size / 2
	return g.At(layer, mid-1, mid)
}

// Flatten returns a copy of the cells in network input order.
func (g Grid) Flatten() []float64 {
	out := make([]float64, len(g.cells))
	copy(out, g.cells)
	return out
}

// Clone returns an independent copy.
func (g Grid) Clone() Grid {
	return Grid{size: g.size, cells: g.Flatten()}
}

// Rotate turns every layer counterclockwise by k quarter turns, the way
// numpy's rot90 does over the row and column axes.
func (g Grid) Rotate(k int) Grid {
	k = ((k % 4) + 4) % 4
	out := g.Clone()
	for ; k > 0; k-- {
		in := out
		out = NewGrid(g.size)
		for l := 0; l < Layers; l++ {
			for i := 0; i < g.size; i++ {
				for j := 0; j < g.size; j++ {
					out.Set(l, i, j, in.At(l, j, g.size-1-i))
				}
			}
		}
	}
	return out
}

// Equal reports whether both grids have the same shape and cells.
func (g Grid) Equal(other Grid) bool {
	if g.size != other.size || len(g.cells) != len(other.cells) {
		return false
	}
	for i := range g.cells {
		if g.cells[i] != other.cells[i] {
			return false
		}
	}
	return true
}
