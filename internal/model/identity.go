package model

// Identity 标识 API 调用方；下载计数等字段仅对管理员可见。
type Identity interface {
	IsAdmin() bool
}

// Admin 管理员身份。
type Admin struct{}

func (Admin) IsAdmin() bool { return true }

// Client 客户身份，携带其 client id。
type Client struct {
	ID int64
}

func (Client) IsAdmin() bool { return false }
