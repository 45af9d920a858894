package kb

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dKB/cmd/util"
	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dKB servers",
		Long:    "Runs submit, rule, query and entries benchmarks against a server. All entries created by the benchmarks are deleted afterwards.",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfIDPrefix   = "__test"
	perfNumThreads = 10
	perfIDSpread   = 100
	perfSkip       = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. submit,query)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "ids"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different entry ids to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfIDSpread = max(viper.GetInt("ids"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for dKB servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	ctx := context.Background()

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	results["submit"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("submit") {
			return
		}

		// prepare ids
		getID, iter := getIDs("submit")
		b.Cleanup(func() { deleteIDs("submit", iter) })

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				id := getID(counter)
				_, err := kbClient.Submit(ctx, id, map[string]any{"prolog": fmt.Sprintf("perf_fact(%q, %d).", id, counter)})
				if err != nil {
					log.Printf("(submit) - error submitting entry: %v\n", err)
				}
				counter++
			}
		})
	})
	printResult("submit", results["submit"])

	results["rule"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("rule") {
			return
		}

		// prepare ids
		getID, iter := getIDs("rule")
		b.Cleanup(func() { deleteIDs("rule", iter) })

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				_, err := kbClient.AddRule(ctx, getID(counter), "perf_rule(X) :- perf_fact(X, _).")
				if err != nil {
					log.Printf("(rule) - error adding rule: %v\n", err)
				}
				counter++
			}
		})
	})
	printResult("rule", results["rule"])

	results["query"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("query") {
			return
		}

		// prepare facts
		getID, iter := getIDs("query")
		iter(func(id string) {
			if _, err := kbClient.Submit(ctx, id, map[string]any{"prolog": fmt.Sprintf("perf_query(%q).", id)}); err != nil {
				log.Printf("(query) - error submitting entry: %v\n", err)
			}
		})
		b.Cleanup(func() { deleteIDs("query", iter) })

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				_, err := kbClient.Query(ctx, fmt.Sprintf("perf_query(%q).", getID(counter)))
				if err != nil {
					log.Printf("(query) - error running query: %v\n", err)
				}
				counter++
			}
		})
	})
	printResult("query", results["query"])

	results["entries"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("entries") {
			return
		}

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := kbClient.Entries(ctx); err != nil {
					log.Printf("(entries) - error listing entries: %v\n", err)
				}
			}
		})
	})
	printResult("entries", results["entries"])

	// Write results to CSV if path is provided
	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// creates an array of test ids and functions to work with them
func getIDs(prefix string) (func(int) string, func(func(string))) {
	ids := make([]string, perfIDSpread)
	for i := 0; i < perfIDSpread; i++ {
		ids[i] = fmt.Sprintf("%s-%s-%d", perfIDPrefix, prefix, i)
	}

	// Function to get an id by index (with wraparound)
	getID := func(i int) string {
		return ids[i%perfIDSpread]
	}

	// Function to iterate over all ids and apply a function to each
	iterateIDs := func(fn func(string)) {
		for _, id := range ids {
			fn(id)
		}
	}

	return getID, iterateIDs
}

// deleteIDs deletes all entries of a benchmark
func deleteIDs(test string, iter func(func(string))) {
	iter(func(id string) {
		if _, err := kbClient.Delete(context.Background(), id); err != nil {
			log.Printf("(%s) - error deleting entry: %v\n", test, err)
		}
	})
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "Serializer",
		"Threads", "IDs",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			viper.GetString("serializer"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfIDSpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
