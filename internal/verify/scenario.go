package verify

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/tensor"
)

// Scenario is one verification case: a grouped GEMM shape, the dtype of its
// operands and the passes to check. Either Sizes or Groups (with an even
// split of M) defines the group layout.
type Scenario struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Groups      int          `json:"groups" yaml:"groups"`
	M           int          `json:"m" yaml:"m"`
	K           int          `json:"k" yaml:"k"`
	N           int          `json:"n" yaml:"n"`
	Sizes       []int        `json:"sizes,omitempty" yaml:"sizes,omitempty"`
	DType       tensor.DType `json:"dtype" yaml:"dtype"`
	Backward    bool         `json:"backward" yaml:"backward"`

	// ZeroGroupCheck reruns the case with its empty groups removed and
	// requires bit-identical outputs.
	ZeroGroupCheck bool `json:"zero_group_check,omitempty" yaml:"zero_group_check,omitempty"`
	// PerGroupWeight gives every group its own (N, K) weight.
	PerGroupWeight bool `json:"per_group_weight,omitempty" yaml:"per_group_weight,omitempty"`
}

// Catalogue returns the built-in scenarios at full size, in run order.
func Catalogue() []Scenario {
	return []Scenario{
		{
			Name:        "A",
			Description: "single group, forward against a dense matmul",
			Groups:      1, M: 2048, K: 7168, N: 4096,
			DType: tensor.F16,
		},
		{
			Name:        "B",
			Description: "four even groups, forward and backward",
			Groups:      4, M: 8192, K: 7168, N: 4096,
			DType: tensor.F16, Backward: true,
		},
		{
			Name:        "C",
			Description: "eight groups with M%G != 0, remainder on the first groups",
			Groups:      8, M: 4099, K: 2048, N: 7168,
			DType: tensor.F16, Backward: true,
		},
		{
			Name:        "D",
			Description: "one empty group among four",
			Groups:      4, Sizes: []int{2048, 0, 2048, 2048}, K: 7168, N: 4096,
			DType: tensor.F16, Backward: true, ZeroGroupCheck: true,
		},
		{
			Name:        "deepseek-1",
			Description: "DeepSeek expert shape, G=4 K=7168 N=4096",
			Groups:      4, M: 8192, K: 7168, N: 4096,
			DType: tensor.F16, Backward: true,
		},
		{
			Name:        "deepseek-2",
			Description: "DeepSeek expert shape, G=4 K=2048 N=7168",
			Groups:      4, M: 8192, K: 2048, N: 7168,
			DType: tensor.F16, Backward: true,
		},
		{
			Name:        "deepseek-3",
			Description: "DeepSeek expert shape, G=8 K=7168 N=4096",
			Groups:      8, M: 4096, K: 7168, N: 4096,
			DType: tensor.F16, Backward: true,
		},
		{
			Name:        "deepseek-4",
			Description: "DeepSeek expert shape, G=8 K=2048 N=7168",
			Groups:      8, M: 4096, K: 2048, N: 7168,
			DType: tensor.F16, Backward: true,
		},
	}
}

// Lookup returns the catalogue scenarios with the given names, in the order
// requested. Names match case-insensitively.
func Lookup(names ...string) ([]Scenario, error) {
	all := Catalogue()
	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		found := false
		for _, s := range all {
			if strings.EqualFold(s.Name, name) {
				out = append(out, s)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Wrapf(ErrUnknownScenario, "%q", name)
		}
	}
	return out, nil
}

// GroupSizes returns the per-group row counts of s.
func (s Scenario) GroupSizes() []int {
	if len(s.Sizes) > 0 {
		return append([]int(nil), s.Sizes...)
	}
	return groupgemm.EvenSplit(s.M, s.Groups)
}

// Rows is the total row count of X.
func (s Scenario) Rows() int {
	if len(s.Sizes) > 0 {
		total, _ := groupgemm.Sum(s.Sizes)
		return total
	}
	return s.M
}

// WeightRows is the row count of W for s's layout.
func (s Scenario) WeightRows() int {
	if s.PerGroupWeight {
		return s.N * len(s.GroupSizes())
	}
	return s.N
}

// Elements is the element count of the largest operand s allocates, out of
// X, W, Y and their gradients.
func (s Scenario) Elements() (int, error) {
	wRows := s.N
	if s.PerGroupWeight {
		var err error
		if wRows, err = tensor.Elements(s.N, s.groupCount()); err != nil {
			return 0, err
		}
	}
	largest := 0
	for _, shape := range [][2]int{{s.Rows(), s.K}, {wRows, s.K}, {s.Rows(), s.N}} {
		n, err := tensor.Elements(shape[0], shape[1])
		if err != nil {
			return 0, err
		}
		largest = max(largest, n)
	}
	return largest, nil
}

func (s Scenario) groupCount() int {
	if len(s.Sizes) > 0 {
		return len(s.Sizes)
	}
	return s.Groups
}

// Layout is the engine weight layout s runs with.
func (s Scenario) Layout() groupgemm.WeightLayout {
	if s.PerGroupWeight {
		return groupgemm.PerGroupWeight
	}
	return groupgemm.SharedWeight
}

// Validate checks that s describes a well-formed problem.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario without a name")
	}
	if s.K <= 0 || s.N <= 0 {
		return errors.Errorf("%s: K and N must be positive, got K=%d N=%d", s.Name, s.K, s.N)
	}
	if len(s.Sizes) > 0 {
		if s.Groups != 0 && s.Groups != len(s.Sizes) {
			return errors.Errorf("%s: groups=%d but %d sizes given", s.Name, s.Groups, len(s.Sizes))
		}
		total, err := groupgemm.Sum(s.Sizes)
		if err != nil {
			return errors.Wrap(err, s.Name)
		}
		if _, err := groupgemm.Offsets(s.Sizes); err != nil {
			return errors.Wrap(err, s.Name)
		}
		if s.M != 0 && s.M != total {
			return errors.Errorf("%s: m=%d but sizes sum to %d", s.Name, s.M, total)
		}
		return nil
	}
	if s.Groups <= 0 {
		return errors.Errorf("%s: groups must be positive, got %d", s.Name, s.Groups)
	}
	if s.M < 0 {
		return errors.Errorf("%s: m must not be negative, got %d", s.Name, s.M)
	}
	return nil
}

// Scaled shrinks M, K and N by div while keeping the group structure: empty
// groups stay empty, non-empty groups keep at least one row and an even
// split keeps its remainder.
func (s Scenario) Scaled(div int) Scenario {
	out := s
	out.Sizes = append([]int(nil), s.Sizes...)
	if div <= 1 {
		return out
	}
	out.K = max(s.K/div, 1)
	out.N = max(s.N/div, 1)
	if len(s.Sizes) > 0 {
		total := 0
		for i, size := range s.Sizes {
			if size > 0 {
				out.Sizes[i] = max(size/div, 1)
			}
			total += out.Sizes[i]
		}
		if s.M != 0 {
			out.M = total
		}
		return out
	}
	if s.Groups > 0 && s.M > 0 {
		out.M = max(s.M/div/s.Groups, 1)*s.Groups + s.M%s.Groups
	}
	return out
}

// sweepFile is the YAML layout of a custom sweep.
type sweepFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// ParseSweep decodes a YAML sweep and validates every scenario. Scenarios
// without a dtype run in f32.
func ParseSweep(data []byte) ([]Scenario, error) {
	var f sweepFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse sweep")
	}
	if len(f.Scenarios) == 0 {
		return nil, errors.New("sweep lists no scenarios")
	}
	seen := make(map[string]bool, len(f.Scenarios))
	for i := range f.Scenarios {
		s := &f.Scenarios[i]
		if err := s.Validate(); err != nil {
			return nil, errors.Wrapf(err, "scenario %d", i)
		}
		if seen[s.Name] {
			return nil, errors.Errorf("duplicate scenario %q", s.Name)
		}
		seen[s.Name] = true
	}
	return f.Scenarios, nil
}

// LoadSweep reads a YAML sweep file.
func LoadSweep(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read sweep")
	}
	return ParseSweep(data)
}
