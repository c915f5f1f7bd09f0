package mcp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	xerrors "OpenMCP-Search/internal/errors"
)

// frameHeaderSize 是长度前缀的字节数（大端 uint32）。
const frameHeaderSize = 4

// DefaultMaxFrameSize 是单帧负载的默认上限。
const DefaultMaxFrameSize uint32 = 4 << 20

// WriteFrame 将负载封装为 长度前缀 + 负载 的完整帧写入流。
func WriteFrame(w io.Writer, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("写入帧头失败: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("写入帧负载失败: %w", err)
	}
	return nil
}

// ReadFrame 读取一个完整帧并返回负载。长度前缀使得"数据未到齐"成为
// 确定性的等待，而不是反复尝试解码。limit 为 0 时使用默认上限。
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("读取帧头失败: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if limit == 0 {
		limit = DefaultMaxFrameSize
	}
	if size > limit {
		return nil, xerrors.Newf(CodeFrameOversize, "帧长度 %d 超出上限 %d", size, limit)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("读取帧负载失败: %w", err)
	}
	return payload, nil
}

// WriteJSON 将消息序列化为 JSON 后按帧写入。
func WriteJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadJSON 读取一帧并将负载解码到给定结构。
func ReadJSON(r io.Reader, limit uint32, v any) error {
	payload, err := ReadFrame(r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("解码消息失败: %w", err)
	}
	return nil
}
