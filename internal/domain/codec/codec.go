// Package codec 定义两个后端共用的记录编码：1 字节版本号 + msgpack 正文
package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
)

// SchemaVersion 当前记录格式版本
const SchemaVersion byte = 1

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(SchemaVersion)
	// 排序 map 键，相同记录得到相同字节，冲突检测直接比较字节
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: record too short (%d bytes)", errs.ErrSerialization, len(data))
	}
	if data[0] != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", errs.ErrSerialization, data[0])
	}
	if err := msgpack.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrSerialization, err)
	}
	return nil
}

func EncodeToken(t *entity.TokenRecord) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil token record", errs.ErrSerialization)
	}
	return encode(t)
}

func DecodeToken(data []byte) (*entity.TokenRecord, error) {
	var t entity.TokenRecord
	if err := decode(data, &t); err != nil {
		return nil, err
	}
	if t.TokenHash == "" {
		return nil, fmt.Errorf("%w: token record without hash", errs.ErrSerialization)
	}
	return &t, nil
}

func EncodeBlacklist(e *entity.BlacklistEntry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil blacklist entry", errs.ErrSerialization)
	}
	return encode(e)
}

func DecodeBlacklist(data []byte) (*entity.BlacklistEntry, error) {
	var e entity.BlacklistEntry
	if err := decode(data, &e); err != nil {
		return nil, err
	}
	if e.TokenHash == "" {
		return nil, fmt.Errorf("%w: blacklist entry without hash", errs.ErrSerialization)
	}
	return &e, nil
}
