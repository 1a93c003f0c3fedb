package syncclient

import "errors"

var (
	// 传输层：连接断开。由重连循环自动恢复，调用方只会在主动发命令时看到。
	ErrNotConnected = errors.New("not connected")
	// 协议层：消息解析失败。逐条丢弃，不影响连接。
	ErrProtocol = errors.New("malformed message")
	// 只有评论作者本人可以改/解决/删自己的评论。
	ErrNotCommentAuthor = errors.New("not the comment author")
	ErrUnknownComment   = errors.New("comment not found")
	// 频道增量乱序，触发快照重拉。
	ErrSequenceGap = errors.New("channel sequence gap")
	// 校验：空内容在本地乐观应用之前就被拒绝。
	ErrEmptyContent = errors.New("empty content")
)
