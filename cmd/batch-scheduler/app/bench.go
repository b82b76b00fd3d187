/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
)

var (
	benchURL         string
	benchCount       int
	benchConcurrency int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Fire synthetic inference requests at a running batch-scheduler server",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().StringVar(&benchURL, "url", "http://localhost:8080/v1/infer", "target /v1/infer endpoint")
	benchCmd.Flags().IntVar(&benchCount, "count", 1000, "total requests to send")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 32, "concurrent senders")
}

func runBench(cmd *cobra.Command, args []string) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	var sent, failed atomic.Int64
	var wg sync.WaitGroup
	work := make(chan int, benchConcurrency)

	start := time.Now()
	for w := 0; w < benchConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				if err := sendOne(client); err != nil {
					failed.Add(1)
				}
				sent.Add(1)
			}
		}()
	}

	for i := 0; i < benchCount; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("sent=%d failed=%d elapsed=%s rps=%.1f\n",
		sent.Load(), failed.Load(), elapsed, float64(sent.Load())/elapsed.Seconds())
	return nil
}

func sendOne(client *retryablehttp.Client) error {
	payload := []byte(uuid.NewString())
	body := inferRequestBody{
		Priority: 0,
		Inputs: []tensorPayload{{
			Name:    "input",
			DType:   "uint8",
			Shape:   []int64{int64(len(payload))},
			Payload: payload,
		}},
		RequestedOutput: []string{"input"},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest("POST", benchURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
