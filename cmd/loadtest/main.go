package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	orderID := flag.Uint("order", 1, "activated order id")
	clientID := flag.Int64("client", 1, "owning client id")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for the counter check")

	// 并发下载同一订单，观察计数是否只按成功次数增长
	total := flag.Int("n", 100, "total download requests")
	concurrency := flag.Int("c", 20, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	before, err := getDownloads(client, *baseURL, *orderID, *adminToken)
	if err != nil {
		panic(fmt.Sprintf("counter check failed: %v", err))
	}
	fmt.Println("downloads before:", before)

	fmt.Printf("start download test: order=%d total=%d concurrency=%d\n", *orderID, *total, *concurrency)
	results := runDownloads(client, *baseURL, *orderID, *clientID, *total, *concurrency)
	printSummary("download", results)

	after, err := getDownloads(client, *baseURL, *orderID, *adminToken)
	if err != nil {
		fmt.Println("counter check err:", err)
		return
	}
	ok := 0
	for _, r := range results {
		if r.Err == nil && r.Status == http.StatusOK {
			ok++
		}
	}
	fmt.Printf("downloads after: %d (delta=%d, successful requests=%d)\n", after, after-before, ok)
}

func runDownloads(client *http.Client, baseURL string, orderID uint, clientID int64, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			results[idx] = downloadOnce(client, baseURL, orderID, clientID)
		}(i)
	}

	wg.Wait()
	return results
}

func downloadOnce(client *http.Client, baseURL string, orderID uint, clientID int64) Result {
	url := fmt.Sprintf("%s/api/client/servicedownloadable/send_file?order_id=%d", baseURL, orderID)
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Client-ID", strconv.FormatInt(clientID, 10))

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	// 丢弃文件内容，只关心状态码
	_, _ = io.Copy(io.Discard, resp.Body)
	return Result{Status: resp.StatusCode}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 401, 404, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// getDownloads 通过管理端视图查询订单当前下载计数。
func getDownloads(client *http.Client, baseURL string, orderID uint, adminToken string) (int, error) {
	url := fmt.Sprintf("%s/api/admin/order/service?order_id=%d", baseURL, orderID)
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Admin-Token", adminToken)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Downloads *int `json:"downloads"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	if out.Data.Downloads == nil {
		return 0, fmt.Errorf("downloads missing in response: %s", string(b))
	}
	return *out.Data.Downloads, nil
}
