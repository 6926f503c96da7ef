// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	stderrors "errors"

	"github.com/dbregion/regioncore/proto"
)

var (
	ErrNotLeader            = stderrors.New("region: not leader")
	ErrVersionOld            = stderrors.New("region: version old")
	ErrTxnFollowUp           = stderrors.New("region: txn follow up")
	ErrDisableWriteTimeout   = stderrors.New("region: disable write timeout")
	ErrSplitTimeout          = stderrors.New("region: split timeout")
	ErrExecFail              = stderrors.New("region: exec fail")
	ErrParseFromPbFail       = stderrors.New("region: parse from pb fail")
	ErrParseToPbFail         = stderrors.New("region: parse to pb fail")
	ErrInputParamError       = stderrors.New("region: input param error")
	ErrInternalError         = stderrors.New("region: internal error")
	ErrUnsupportReqType      = stderrors.New("region: unsupported request type")
	ErrDdlUniqueKeyFail      = stderrors.New("region: ddl unique key check failed")

	ErrRegionBusy   = stderrors.New("region: structural operation already in progress")
	ErrNoSplitKey   = stderrors.New("region: no split key")
	ErrTxnNotFound  = stderrors.New("region: txn not found")
)

// CodeError pairs a closed wire ErrCode with an optional passthrough SQL
// error code (§6, §7): EXEC_FAIL responses carry mysql_errcode (e.g. 1062
// for a duplicate key) alongside the generic code.
type CodeError struct {
	Code         proto.ErrCode
	MysqlErrCode int32
	Msg          string
	cause        error
}

func (e *CodeError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.Code.String()
}

func (e *CodeError) Unwrap() error { return e.cause }

// New wraps err under the given wire code, preserving the error chain.
func New(code proto.ErrCode, err error) *CodeError {
	return &CodeError{Code: code, cause: err, Msg: err.Error()}
}

// NewMysql wraps err as EXEC_FAIL carrying a passthrough mysql_errcode,
// e.g. 1062 (ER_DUP_ENTRY) for a duplicate primary/unique key insert (S1).
func NewMysql(mysqlErrCode int32, err error) *CodeError {
	return &CodeError{Code: proto.ErrCodeExecFail, MysqlErrCode: mysqlErrCode, cause: err, Msg: err.Error()}
}

// codeBySentinel maps each sentinel above to its wire code, used by Code
// to translate an arbitrary error chain back into a Response.errcode.
var codeBySentinel = map[error]proto.ErrCode{
	ErrNotLeader:          proto.ErrCodeNotLeader,
	ErrVersionOld:         proto.ErrCodeVersionOld,
	ErrTxnFollowUp:        proto.ErrCodeTxnFollowUp,
	ErrDisableWriteTimeout: proto.ErrCodeDisableWriteTimeout,
	ErrSplitTimeout:       proto.ErrCodeSplitTimeout,
	ErrExecFail:           proto.ErrCodeExecFail,
	ErrParseFromPbFail:    proto.ErrCodeParseFromPbFail,
	ErrParseToPbFail:      proto.ErrCodeParseToPbFail,
	ErrInputParamError:    proto.ErrCodeInputParamError,
	ErrInternalError:      proto.ErrCodeInternalError,
	ErrUnsupportReqType:   proto.ErrCodeUnsupportReqType,
	ErrDdlUniqueKeyFail:   proto.ErrCodeDdlUniqueKeyFail,
}

// Code returns the wire error code for err: the CodeError's own code if err
// carries one, the sentinel's mapped code if err wraps one of the sentinels
// above, or INTERNAL_ERROR as the default for anything else.
func Code(err error) proto.ErrCode {
	if err == nil {
		return proto.ErrCodeSuccess
	}
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	for sentinel, code := range codeBySentinel {
		if stderrors.Is(err, sentinel) {
			return code
		}
	}
	return proto.ErrCodeInternalError
}

// MysqlCode returns the passthrough mysql_errcode carried by err, or 0.
func MysqlCode(err error) int32 {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.MysqlErrCode
	}
	return 0
}
