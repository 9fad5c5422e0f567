package qlearning

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

func init() {
	gob.Register(&tensor.Dense{})
	gob.Register(map[string]*tensor.Dense{})
}

// SaveWeights writes the network parameters to filename as a gob map.
func (n *Network) SaveWeights(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return errors.Wrap(err, "failed to create weights directory")
	}

	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create weights file")
	}
	defer f.Close()

	weights := make(map[string]*tensor.Dense, len(paramNames))
	for i, p := range n.params() {
		weights[paramNames[i]] = p
	}

	if err := gob.NewEncoder(f).Encode(weights); err != nil {
		return errors.Wrap(err, "failed to encode weights")
	}
	return nil
}

// LoadWeights overwrites the network parameters with those stored in filename.
// Every parameter must be present with a matching shape.
func (n *Network) LoadWeights(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open weights file")
	}
	defer f.Close()

	var weights map[string]*tensor.Dense
	if err := gob.NewDecoder(f).Decode(&weights); err != nil {
		return errors.Wrap(err, "failed to decode weights")
	}

	for i, p := range n.params() {
		w, ok := weights[paramNames[i]]
		if !ok {
			return errors.Errorf("weights file lacks %s", paramNames[i])
		}
		if !w.Shape().Eq(p.Shape()) {
			return errors.Wrapf(ErrArchitectureMismatch, "%s: file %v, network %v", paramNames[i], w.Shape(), p.Shape())
		}
		copy(p.Data().([]float64), w.Data().([]float64))
	}
	return nil
}
