package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// ProductTypeDownloadable 是本模块唯一处理的商品类型。
const ProductTypeDownloadable = "downloadable"

// Product 可售卖商品；type=downloadable 时关联一个可下载文件。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Title string `gorm:"size:128;not null" json:"title"`
	Type  string `gorm:"size:32;not null;default:downloadable" json:"type"`
	// Config 是 JSON 配置块；结构化字段见 ProductConfig。
	Config string `gorm:"type:text" json:"config"`
}

func (Product) TableName() string { return "products" }

// ProductConfig is the typed view of the product's JSON config blob.
// Keys it does not model survive a decode/encode round trip through Extra,
// so partial updates merge instead of overwriting.
type ProductConfig struct {
	Filename     string `json:"filename,omitempty"`
	UpdateOrders bool   `json:"update_orders,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (c *ProductConfig) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["filename"]; ok {
		if err := json.Unmarshal(v, &c.Filename); err != nil {
			return err
		}
		delete(raw, "filename")
	}
	if v, ok := raw["update_orders"]; ok {
		if err := json.Unmarshal(v, &c.UpdateOrders); err != nil {
			return err
		}
		delete(raw, "update_orders")
	}
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

func (c ProductConfig) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.Filename != "" {
		b, err := json.Marshal(c.Filename)
		if err != nil {
			return nil, err
		}
		out["filename"] = b
	}
	if c.UpdateOrders {
		out["update_orders"] = json.RawMessage("true")
	}
	return json.Marshal(out)
}

// ParseProductConfig 解析商品配置；空串按空配置处理。
func ParseProductConfig(blob string) (ProductConfig, error) {
	cfg := ProductConfig{}
	if blob == "" {
		return cfg, nil
	}
	err := json.Unmarshal([]byte(blob), &cfg)
	return cfg, err
}
