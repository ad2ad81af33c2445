package redis

import "fmt"

// DownloadRateClientKey 客户端维度的下载限流键。
func DownloadRateClientKey(clientID int64) string {
	return fmt.Sprintf("billing:download:rate:client:%d", clientID)
}

// DownloadRateIPKey 无法识别客户时按来源 IP 限流。
func DownloadRateIPKey(ip string) string {
	return fmt.Sprintf("billing:download:rate:ip:%s", ip)
}
