// gen_fixture.go writes a synthetic source table, a mixed table built from
// known source proportions, and the proportions themselves.
//
// Usage:
//
//	go run scripts/gen_fixture.go -dir testdata -sources 3 -factors 6 -per-source 10 -mixed 20
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

func main() {
	dir := flag.String("dir", "testdata", "output directory")
	nSources := flag.Int("sources", 3, "number of source groups")
	nFactors := flag.Int("factors", 6, "number of tracer factors")
	perSource := flag.Int("per-source", 10, "samples per source group")
	nMixed := flag.Int("mixed", 20, "number of mixed samples")
	spread := flag.Float64("spread", 0.05, "relative within-group standard deviation")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	if *nSources < 1 || *nFactors < 1 || *perSource < 1 || *nMixed < 1 {
		log.Fatal("counts must be positive")
	}
	r := rand.New(rand.NewPCG(*seed, *seed))

	factors := make([]string, *nFactors)
	for f := range factors {
		factors[f] = fmt.Sprintf("F%d", f+1)
	}
	labels := make([]string, *nSources)
	centres := make([][]float64, *nSources)
	for s := range labels {
		labels[s] = fmt.Sprintf("S%d", s+1)
		centres[s] = make([]float64, *nFactors)
		for f := range centres[s] {
			centres[s][f] = 10 + 90*r.Float64()
		}
	}

	// source table: every group scattered around its centre
	var source [][]string
	for s, l := range labels {
		for i := 0; i < *perSource; i++ {
			rec := []string{fmt.Sprintf("%s-%02d", l, i+1), l}
			for f := range factors {
				v := centres[s][f] * (1 + *spread*r.NormFloat64())
				rec = append(rec, table.FormatFloat(v))
			}
			source = append(source, rec)
		}
	}

	// mixed table: exact convex combinations of the centres
	var mixed, truth [][]string
	for i := 0; i < *nMixed; i++ {
		w := make([]float64, *nSources)
		var sum float64
		for s := range w {
			w[s] = r.ExpFloat64()
			sum += w[s]
		}
		id := fmt.Sprintf("M%02d", i+1)
		rec := []string{id}
		want := []string{id}
		for s := range w {
			w[s] /= sum
			want = append(want, table.FormatFloat(w[s]))
		}
		for f := range factors {
			var v float64
			for s := range w {
				v += w[s] * centres[s][f]
			}
			rec = append(rec, table.FormatFloat(v))
		}
		mixed = append(mixed, rec)
		truth = append(truth, want)
	}

	if err := os.MkdirAll(*dir, 0o750); err != nil {
		log.Fatalf("create %s: %v", *dir, err)
	}
	write(filepath.Join(*dir, "source.csv"), append([]string{"Sample", "Source"}, factors...), source)
	write(filepath.Join(*dir, "mixed.csv"), append([]string{"Specimen"}, factors...), mixed)
	write(filepath.Join(*dir, "truth.csv"), append([]string{"Specimen"}, labels...), truth)
	fmt.Printf("wrote %d source rows and %d mixed rows to %s\n", len(source), len(mixed), *dir)
}

func write(path string, header []string, records [][]string) {
	t, err := table.New(header, records)
	if err != nil {
		log.Fatalf("build %s: %v", path, err)
	}
	if err := t.WriteFile(path); err != nil {
		log.Fatalf("write %s: %v", path, err)
	}
}
