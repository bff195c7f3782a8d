package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cardledger/internal/ledger"
	"cardledger/internal/procedure"
	"cardledger/pkg/response"

	"github.com/sony/gobreaker"
)

// HTTPInvoker 通过 HTTP 调用远端过程服务
//
// 连续的传输层失败会打开熔断器，熔断期间调用立即以失败返回，
// 业务拒绝不计入熔断。
type HTTPInvoker struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

type HTTPOption func(*httpOptions)

type httpOptions struct {
	client   *http.Client
	settings gobreaker.Settings
}

// WithHTTPClient 替换默认 http.Client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *httpOptions) { o.client = c }
}

// WithBreaker 自定义熔断参数
func WithBreaker(maxFailures uint32, openTimeout time.Duration) HTTPOption {
	return func(o *httpOptions) {
		o.settings.ReadyToTrip = func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		}
		o.settings.Timeout = openTimeout
	}
}

func NewHTTPInvoker(endpoint string, opts ...HTTPOption) *HTTPInvoker {
	o := &httpOptions{
		client: &http.Client{Timeout: 30 * time.Second},
		settings: gobreaker.Settings{
			Name:    "procedure-server",
			Timeout: 5 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 20
			},
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.settings.IsSuccessful = func(err error) bool {
		return err == nil || isBusinessReply(err)
	}

	return &HTTPInvoker{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     o.client,
		breaker:  gobreaker.NewCircuitBreaker(o.settings),
	}
}

// Invoke 实现 Invoker
func (h *HTTPInvoker) Invoke(ctx context.Context, name string, params ...any) (any, error) {
	return h.breaker.Execute(func() (interface{}, error) {
		return h.post(ctx, name, params)
	})
}

// isBusinessReply 服务端正常处理后给出的拒绝，不计入熔断
func isBusinessReply(err error) bool {
	return procedure.IsAbort(err) ||
		errors.Is(err, procedure.ErrBadParams) ||
		errors.Is(err, procedure.ErrUnknownProcedure) ||
		errors.Is(err, ledger.ErrDuplicateAccount)
}

// State 熔断器状态
func (h *HTTPInvoker) State() gobreaker.State {
	return h.breaker.State()
}

type procedureReply struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *HTTPInvoker) post(ctx context.Context, name string, params []any) (any, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(response.ProcedureRequest{Params: params})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", procedure.ErrBadParams, err)
	}

	target := h.endpoint + "/api/v1/procedure/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: call %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: call %s: unexpected http status %d", name, resp.StatusCode)
	}

	var reply procedureReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("client: decode %s reply: %w", name, err)
	}

	switch reply.Code {
	case response.CodeSuccess:
		return decodeResult(reply.Data)
	case response.CodeTransactionAborted:
		var detail response.AbortDetail
		if err := json.Unmarshal(reply.Data, &detail); err != nil {
			return nil, fmt.Errorf("client: decode abort detail: %w", err)
		}
		return nil, &procedure.AbortError{
			Code:   procedure.AbortCode(detail.Code),
			PAN:    detail.PAN,
			Reason: detail.Reason,
		}
	case response.CodeParamError:
		return nil, fmt.Errorf("%w: %s", procedure.ErrBadParams, reply.Message)
	case response.CodeNotFound:
		return nil, fmt.Errorf("%w: %s", procedure.ErrUnknownProcedure, reply.Message)
	case response.CodeDuplicateAccount:
		return nil, fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, reply.Message)
	}
	return nil, fmt.Errorf("client: call %s failed with code %d: %s", name, reply.Code, reply.Message)
}

func decodeResult(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out response.ProcedureResult
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("client: decode result: %w", err)
	}
	if n, ok := out.Result.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	return out.Result, nil
}
