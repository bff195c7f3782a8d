package procedure

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// params 过程参数，兼容进程内调用传入的 Go 类型和 JSON 解码后的类型
type params []any

func (p params) want(n int) error {
	if len(p) != n {
		return fmt.Errorf("%w: want %d params, got %d", ErrBadParams, n, len(p))
	}
	return nil
}

func (p params) bad(i int, want string) error {
	return fmt.Errorf("%w: param %d must be %s, got %T", ErrBadParams, i, want, p[i])
}

func (p params) str(i int) (string, error) {
	switch v := p[i].(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	}
	return "", p.bad(i, "string")
}

func (p params) integer(i int) (int64, error) {
	switch v := p[i].(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, p.bad(i, "integer")
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, p.bad(i, "integer")
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, p.bad(i, "integer")
		}
		return n, nil
	}
	return 0, p.bad(i, "integer")
}

func (p params) money(i int) (decimal.Decimal, error) {
	switch v := p[i].(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, p.bad(i, "decimal")
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, p.bad(i, "decimal")
		}
		return d, nil
	}
	return decimal.Zero, p.bad(i, "decimal")
}

// timestamp 支持 time.Time、RFC3339 字符串和毫秒时间戳
func (p params) timestamp(i int) (time.Time, error) {
	switch v := p[i].(type) {
	case time.Time:
		return v, nil
	case nil:
		return time.Time{}, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, p.bad(i, "RFC3339 timestamp")
		}
		return t, nil
	}
	ms, err := p.integer(i)
	if err != nil {
		return time.Time{}, p.bad(i, "timestamp")
	}
	return time.UnixMilli(ms).UTC(), nil
}
