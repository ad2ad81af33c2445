package downloadable

import "net/http"

// Kind 划分业务错误类别，HTTP 层据此映射状态码。
type Kind int

const (
	// KindValidation 必填参数缺失。
	KindValidation Kind = iota
	// KindNotFound 商品/订单不存在（含访问他人订单，二者对外不可区分）。
	KindNotFound
	// KindConfiguration 商品或订单配置不完整。
	KindConfiguration
	// KindBusinessRule 订单存在但状态不允许下载。
	KindBusinessRule
	// KindServiceUnavailable 数据里有文件引用但磁盘上没有 blob。
	KindServiceUnavailable
)

// Error 携带类别与面向调用方的消息；消息原样透出，不做再加工。
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus 返回该错误对应的 HTTP 状态码。
// ServiceUnavailable 按约定同样以 404 透出，用消息区分磁盘缺失。
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound, KindServiceUnavailable:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func NewValidation(msg string) *Error    { return &Error{Kind: KindValidation, Message: msg} }
func NewNotFound(msg string) *Error      { return &Error{Kind: KindNotFound, Message: msg} }
func NewConfiguration(msg string) *Error { return &Error{Kind: KindConfiguration, Message: msg} }
func NewBusinessRule(msg string) *Error  { return &Error{Kind: KindBusinessRule, Message: msg} }
func NewUnavailable(msg string) *Error   { return &Error{Kind: KindServiceUnavailable, Message: msg} }
