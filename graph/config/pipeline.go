package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/subprocess"
)

// BuildDAG registers every declared stage as a subprocess stage. The DAG is
// returned unfinalized; graph.New finalizes it.
//
// String inputs containing a dot are references ("a.value"); everything else
// is a literal. Stages listing logic_files get a LogicHash over those files,
// so editing a stage's code invalidates its cache entries without a version
// bump.
func (c *Config) BuildDAG() (*graph.DAG, error) {
	dag := graph.NewDAG()
	for _, sc := range c.Stages {
		inputs, err := graph.ParseInputs(sc.Inputs)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sc.Name, err)
		}
		logic, err := c.logicHash(sc.LogicFiles)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sc.Name, err)
		}
		dir := c.resolve(sc.Dir)
		if dir == "" {
			dir = c.BaseDir
		}
		stage := graph.Stage{
			Name:        sc.Name,
			Version:     sc.Version,
			Inputs:      inputs,
			Outputs:     append([]string(nil), sc.Outputs...),
			SideEffects: append([]string(nil), sc.SideEffects...),
			Kind:        graph.KindSubprocess,
			Runner: &subprocess.Runner{
				Command: append([]string(nil), sc.Command...),
				Env:     append([]string(nil), sc.Env...),
				Dir:     dir,
			},
			LogicHash: logic,
			Timeout:   sc.Timeout.Duration(),
		}
		if err := dag.Add(stage); err != nil {
			return nil, err
		}
	}
	return dag, nil
}

// logicHash digests the named files in order. Each file contributes its
// name and contents.
func (c *Config) logicHash(files []string) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	h := sha256.New()
	for _, name := range files {
		b, err := os.ReadFile(c.resolve(name))
		if err != nil {
			return "", fmt.Errorf("logic file: %w", err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00", name, len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
