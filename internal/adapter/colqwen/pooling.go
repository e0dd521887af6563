package colqwen

import "fmt"

// Grid locates the image tokens inside a multi-vector.
type Grid struct {
	Start int
	X     int
	Y     int
}

// LocateGrid returns the image-token grid for a sequence of n tokens. A negative
// prefix centres the grid between prefix and suffix tokens.
func LocateGrid(n, x, y, prefix int) (Grid, error) {
	if x <= 0 || y <= 0 {
		return Grid{}, fmt.Errorf("invalid patch grid %dx%d", x, y)
	}
	size := x * y
	if size > n {
		return Grid{}, fmt.Errorf("patch grid %dx%d exceeds %d tokens", x, y, n)
	}
	start := prefix
	if start < 0 {
		start = (n - size) / 2
	}
	if start+size > n {
		return Grid{}, fmt.Errorf("patch grid %dx%d at offset %d exceeds %d tokens", x, y, start, n)
	}
	return Grid{Start: start, X: x, Y: y}, nil
}

// Pool averages the image tokens along each grid axis. Rows averages over x and
// yields y vectors; columns averages over y and yields x vectors. Tokens outside
// the grid are kept on both sides of each pooled block.
func Pool(tokens [][]float32, g Grid) (rows, cols [][]float32, err error) {
	size := g.X * g.Y
	if g.Start < 0 || g.X <= 0 || g.Y <= 0 || g.Start+size > len(tokens) {
		return nil, nil, fmt.Errorf("grid %+v out of range for %d tokens", g, len(tokens))
	}
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("empty embedding")
	}
	dim := len(tokens[0])
	prefix := tokens[:g.Start]
	suffix := tokens[g.Start+size:]
	at := func(i, j int) []float32 { return tokens[g.Start+i*g.Y+j] }

	pooledRows := make([][]float32, g.Y)
	for j := 0; j < g.Y; j++ {
		v := make([]float32, dim)
		for i := 0; i < g.X; i++ {
			t := at(i, j)
			if len(t) != dim {
				return nil, nil, fmt.Errorf("token %d has dim %d, want %d", g.Start+i*g.Y+j, len(t), dim)
			}
			for d := range v {
				v[d] += t[d]
			}
		}
		for d := range v {
			v[d] /= float32(g.X)
		}
		pooledRows[j] = v
	}

	pooledCols := make([][]float32, g.X)
	for i := 0; i < g.X; i++ {
		v := make([]float32, dim)
		for j := 0; j < g.Y; j++ {
			t := at(i, j)
			for d := range v {
				v[d] += t[d]
			}
		}
		for d := range v {
			v[d] /= float32(g.Y)
		}
		pooledCols[i] = v
	}

	return wrap(prefix, pooledRows, suffix), wrap(prefix, pooledCols, suffix), nil
}

func wrap(prefix, pooled, suffix [][]float32) [][]float32 {
	out := make([][]float32, 0, len(prefix)+len(pooled)+len(suffix))
	out = append(out, prefix...)
	out = append(out, pooled...)
	return append(out, suffix...)
}
