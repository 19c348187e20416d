// Package global REST 响应信封。
package global

import "RandChat/tools/errs"

type Msg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Success(data any) *Msg {
	return &Msg{
		Code: 200,
		Msg:  "",
		Data: data,
	}
}

// Fail 业务错误码取自 CodeError，其余按 code 原样返回
func Fail(code int, err error) *Msg {
	if c := errs.Code(err); c != 0 {
		code = c
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Msg{Code: code, Msg: msg}
}
