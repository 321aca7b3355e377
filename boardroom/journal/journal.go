// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package journal is the write-ahead transaction journal. The coordinator
// appends a record for every state transition it must survive, and replays
// the journal after a restart.
package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
)

const (
	moduleName        = "journal"
	segmentNamePrefix = "seg"
	segmentNameSuffix = ".jnl"
	batchHeaderLength = 8
	recordMetaLength  = 8 + 2 + 1 + 8 + 8 // recLen + txIDLen + kind + seq + unix-nano
	maxRetries        = 3
	maxSegmentID      = uint64(math.MaxUint64) - 1
)

// DefaultOptions for Open().
var DefaultOptions = &Options{
	FileSize:            8388608, // 8MB
	BufferSize:          16384,   // 16KB
	BufferBatchInterval: 500 * time.Millisecond,
}

// ErrClosed is returned for writes issued after Close.
var ErrClosed = errors.New("journal is closed")

// Options for creating the transaction journal.
type Options struct {
	FileSize            int
	BufferSize          int
	BufferBatchInterval time.Duration
	FlushQueueSize      int
}

// Kind tags a journal record. The coordinator owns the meaning of each value;
// the journal treats kinds as opaque.
type Kind uint8

// Record is a single journal entity keyed by transaction ID.
type Record struct {
	Time    time.Time
	TxID    string
	Payload []byte
	Seq     uint64
	Kind    Kind
}

// SegmentID identities a segment in the journal.
type SegmentID uint64

// Segment allows reading underlying segments that hold journal records.
type Segment interface {
	GetSegmentID() SegmentID
	GetRecords() []Record
}

// Journal is an append-only segmented transaction log.
// Write returns once the record is buffered; the callback fires when the
// record is durable on disk. WriteSync blocks until durability.
type Journal interface {
	// Write a record. The callback is invoked when the record is flushed
	// to the persistent storage, or with an error when flushing failed.
	Write(record Record, callback func(Record, error))
	// WriteSync writes a record and waits for it to be durable.
	WriteSync(record Record) error
	// ReadAllSegments reads all segments sorted by their segment ID in ascending order.
	ReadAllSegments() ([]Segment, error)
	// Rotate closes the open segment and opens a new one, returning the closed segment details.
	Rotate() (Segment, error)
	// Delete the specified segment.
	Delete(segmentID SegmentID) error
	// Close all of segments and stop the journal.
	Close() error
}

type logRequest struct {
	callback func(Record, error)
	record   Record
}

type pending struct {
	requests []logRequest
	encoded  *bytes.Buffer
}

type segment struct {
	file      *os.File
	path      string
	records   []Record
	segmentID SegmentID
	written   int
}

type log struct {
	writeCloser     *run.ChannelCloser
	flushCloser     *run.ChannelCloser
	chanGroupCloser *run.ChannelGroupCloser
	logger          *logger.Logger
	segmentMap      map[SegmentID]*segment
	workSegment     *segment
	writeChannel    chan logRequest
	flushChannel    chan *pending
	path            string
	buffer          *pending
	options         Options
	seq             uint64
	rwMutex         sync.RWMutex
	closerOnce      sync.Once
}

// New creates a Journal instance in the specified path.
func New(path string, options *Options) (Journal, error) {
	jnlOptions := DefaultOptions
	if options != nil {
		fileSize := options.FileSize
		if fileSize <= 0 {
			fileSize = DefaultOptions.FileSize
		}
		bufferSize := options.BufferSize
		if bufferSize <= 0 {
			bufferSize = DefaultOptions.BufferSize
		}
		bufferBatchInterval := options.BufferBatchInterval
		if bufferBatchInterval <= 0 {
			bufferBatchInterval = DefaultOptions.BufferBatchInterval
		}
		jnlOptions = &Options{
			FileSize:            fileSize,
			BufferSize:          bufferSize,
			BufferBatchInterval: bufferBatchInterval,
			FlushQueueSize:      options.FlushQueueSize,
		}
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "can not get absolute path: "+path)
	}
	if err = os.MkdirAll(path, os.ModePerm); err != nil {
		return nil, err
	}

	writeCloser := run.NewChannelCloser()
	flushCloser := run.NewChannelCloser()
	chanGroupCloser := run.NewChannelGroupCloser(writeCloser, flushCloser)
	l := &log{
		path:            path,
		options:         *jnlOptions,
		logger:          logger.GetLogger(moduleName),
		writeChannel:    make(chan logRequest),
		flushChannel:    make(chan *pending, jnlOptions.FlushQueueSize),
		writeCloser:     writeCloser,
		flushCloser:     flushCloser,
		chanGroupCloser: chanGroupCloser,
		buffer:          newPending(),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	l.start()

	l.logger.Info().Str("path", path).Msg("journal has been initialized")
	return l, nil
}

// Write a record. The callback fires when the record is durable.
func (l *log) Write(record Record, callback func(Record, error)) {
	if !l.writeCloser.AddSender() {
		if callback != nil {
			callback(record, ErrClosed)
		}
		return
	}
	defer l.writeCloser.SenderDone()

	if record.Time.IsZero() {
		record.Time = time.Now()
	}
	record.Seq = atomic.AddUint64(&l.seq, 1)
	l.writeChannel <- logRequest{record: record, callback: callback}
}

// WriteSync writes a record and waits for it to be durable.
func (l *log) WriteSync(record Record) error {
	errCh := make(chan error, 1)
	l.Write(record, func(_ Record, err error) {
		errCh <- err
	})
	return <-errCh
}

// ReadAllSegments reads all segments sorted by their segment ID in ascending order.
func (l *log) ReadAllSegments() ([]Segment, error) {
	l.rwMutex.RLock()
	defer l.rwMutex.RUnlock()

	segments := make([]Segment, 0, len(l.segmentMap))
	for _, seg := range l.segmentMap {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].GetSegmentID() < segments[j].GetSegmentID()
	})
	return segments, nil
}

// Rotate closes the open segment and opens a new one, returning the closed segment details.
func (l *log) Rotate() (Segment, error) {
	l.rwMutex.Lock()
	defer l.rwMutex.Unlock()
	return l.rotateLocked()
}

func (l *log) rotateLocked() (Segment, error) {
	newSegmentID := uint64(l.workSegment.segmentID) + 1
	if newSegmentID > maxSegmentID {
		return nil, errors.New("segment ID overflow uint64, please delete all journal segment files and restart")
	}
	if err := l.workSegment.file.Close(); err != nil {
		return nil, errors.Wrap(err, "close journal segment error")
	}

	oldWorkSegment := l.workSegment
	seg := &segment{
		segmentID: SegmentID(newSegmentID),
		path:      filepath.Join(l.path, segmentName(newSegmentID)),
	}
	if err := seg.openFile(true); err != nil {
		return nil, errors.Wrap(err, "open journal segment error")
	}
	l.workSegment = seg
	l.segmentMap[seg.segmentID] = seg
	return oldWorkSegment, nil
}

// Delete the specified segment.
func (l *log) Delete(segmentID SegmentID) error {
	l.rwMutex.Lock()
	defer l.rwMutex.Unlock()

	// Segment which will be deleted must be closed.
	if segmentID == l.workSegment.segmentID {
		return errors.New("can not delete the segment which is working")
	}
	seg, ok := l.segmentMap[segmentID]
	if !ok {
		return errors.New("unknown segment id: " + strconv.FormatUint(uint64(segmentID), 10))
	}

	if err := os.Remove(seg.path); err != nil {
		return errors.Wrap(err, "delete journal segment error")
	}
	delete(l.segmentMap, segmentID)
	return nil
}

// Close all of segments and stop the journal.
func (l *log) Close() error {
	var globalErr error
	l.closerOnce.Do(func() {
		l.logger.Info().Msg("closing journal...")

		l.chanGroupCloser.CloseThenWait()

		if err := l.flushPending(l.buffer); err != nil {
			globalErr = multierr.Append(globalErr, err)
		}
		l.buffer.notifyRequests(nil)
		if err := l.workSegment.file.Close(); err != nil {
			globalErr = multierr.Append(globalErr, err)
		}
		l.logger.Info().Msg("closed journal")
	})
	return globalErr
}

func (l *log) start() {
	var initialTasks sync.WaitGroup
	initialTasks.Add(2)

	go func() {
		if !l.writeCloser.AddReceiver() {
			panic("writeCloser already closed")
		}
		defer l.writeCloser.ReceiverDone()

		l.logger.Info().Msg("start batch task...")
		initialTasks.Done()

		for {
			timer := time.NewTimer(l.options.BufferBatchInterval)
			select {
			case request, chOpen := <-l.writeChannel:
				if !chOpen {
					timer.Stop()
					l.logger.Info().Msg("stop batch task when write-channel closed")
					return
				}

				l.buffer.write(request)
				if l.buffer.encoded.Len() > l.options.BufferSize {
					l.triggerFlushing()
				}
			case <-timer.C:
				if l.buffer.len() == 0 {
					continue
				}
				l.triggerFlushing()
			case <-l.writeCloser.CloseNotify():
				timer.Stop()
				l.logger.Info().Msg("stop batch task when close notify")
				return
			}
		}
	}()

	go func() {
		if !l.flushCloser.AddReceiver() {
			panic("flushCloser already closed")
		}
		defer l.flushCloser.ReceiverDone()

		l.logger.Info().Msg("start flush task...")
		initialTasks.Done()

		for {
			select {
			case batch, chOpen := <-l.flushChannel:
				if !chOpen {
					l.logger.Info().Msg("stop flush task when flush-channel closed")
					return
				}

				startTime := time.Now()
				var err error
				for i := 0; i < maxRetries; i++ {
					if err = l.flushPending(batch); err != nil {
						l.logger.Err(err).Msg("flushing buffer failed, retrying...")
						time.Sleep(time.Second)
						continue
					}
					break
				}
				if l.logger.Debug().Enabled() {
					l.logger.Debug().Msg("flushed buffer to journal file. records: " +
						strconv.Itoa(batch.len()) + ", cost: " + time.Since(startTime).String())
				}

				batch.notifyRequests(err)
			case <-l.flushCloser.CloseNotify():
				l.logger.Info().Msg("stop flush task when close notify")
				return
			}
		}
	}()

	initialTasks.Wait()
	l.logger.Info().Msg("started journal")
}

func (l *log) triggerFlushing() {
	for {
		select {
		case l.flushChannel <- l.buffer:
			if l.logger.Debug().Enabled() {
				l.logger.Debug().Msg("send buffer to flush-channel. records: " + strconv.Itoa(l.buffer.len()))
			}
			l.buffer = newPending()
			return
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (l *log) flushPending(batch *pending) error {
	if batch.len() == 0 {
		return nil
	}

	recordBytes := batch.encoded.Bytes()
	batchBytes := make([]byte, 0, batchHeaderLength+len(recordBytes))
	batchBytes = binary.LittleEndian.AppendUint64(batchBytes, uint64(len(recordBytes)))
	batchBytes = append(batchBytes, recordBytes...)
	return l.writeWorkSegment(batchBytes)
}

func (l *log) writeWorkSegment(data []byte) error {
	l.rwMutex.Lock()
	defer l.rwMutex.Unlock()

	if l.workSegment.written+len(data) > l.options.FileSize {
		if _, err := l.rotateLocked(); err != nil {
			return err
		}
	}
	if _, err := l.workSegment.file.Write(data); err != nil {
		return errors.Wrap(err, "write journal segment file error, file: "+l.workSegment.path)
	}
	if err := l.workSegment.file.Sync(); err != nil {
		return errors.Wrap(err, "sync journal segment file to disk failed, file: "+l.workSegment.path)
	}
	l.workSegment.written += len(data)
	return nil
}

func (l *log) load() error {
	files, err := os.ReadDir(l.path)
	if err != nil {
		return errors.Wrap(err, "can not read dir: "+l.path)
	}
	// Load all of journal segments.
	var workSegmentID SegmentID
	l.segmentMap = make(map[SegmentID]*segment)
	for _, file := range files {
		name := file.Name()
		segmentID, parsePathErr := parseSegmentID(name)
		if parsePathErr != nil {
			return errors.Wrap(parsePathErr, "parse file name error, name: "+name)
		}
		if segmentID > uint64(workSegmentID) {
			workSegmentID = SegmentID(segmentID)
		}
		seg := &segment{
			segmentID: SegmentID(segmentID),
			path:      filepath.Join(l.path, segmentName(segmentID)),
		}
		if err = seg.parseRecords(); err != nil {
			return errors.Wrap(err, "fail to parse records")
		}
		l.segmentMap[SegmentID(segmentID)] = seg

		for _, record := range seg.records {
			if record.Seq > l.seq {
				l.seq = record.Seq
			}
		}
		if l.logger.Debug().Enabled() {
			l.logger.Debug().Msg("loaded segment file: " + seg.path)
		}
	}

	// If load first time.
	if len(l.segmentMap) == 0 {
		segmentID := SegmentID(1)
		seg := &segment{
			segmentID: segmentID,
			path:      filepath.Join(l.path, segmentName(uint64(segmentID))),
		}
		l.segmentMap[segmentID] = seg
		l.workSegment = seg
	} else {
		l.workSegment = l.segmentMap[workSegmentID]
	}
	if err = l.workSegment.openFile(false); err != nil {
		return errors.Wrap(err, "open journal segment error, file: "+l.workSegment.path)
	}
	if stat, statErr := l.workSegment.file.Stat(); statErr == nil {
		l.workSegment.written = int(stat.Size())
	}
	return nil
}

func newPending() *pending {
	return &pending{encoded: bytes.NewBuffer([]byte{})}
}

func (p *pending) len() int {
	return len(p.requests)
}

func (p *pending) write(request logRequest) {
	record := request.record
	payload := snappy.Encode(nil, record.Payload)
	recLen := uint64(recordMetaLength - 8 + len(record.TxID) + len(payload))

	buf := p.encoded
	_ = binary.Write(buf, binary.LittleEndian, recLen)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(record.TxID)))
	buf.WriteString(record.TxID)
	buf.WriteByte(byte(record.Kind))
	_ = binary.Write(buf, binary.LittleEndian, record.Seq)
	_ = binary.Write(buf, binary.LittleEndian, uint64(record.Time.UnixNano()))
	buf.Write(payload)

	p.requests = append(p.requests, request)
}

func (p *pending) notifyRequests(err error) {
	for _, request := range p.requests {
		if request.callback == nil {
			continue
		}
		runCallback(func() {
			request.callback(request.record, err)
		})
	}
}

func runCallback(callback func()) {
	defer func() {
		_ = recover()
	}()
	callback()
}

func (s *segment) GetSegmentID() SegmentID {
	return s.segmentID
}

func (s *segment) GetRecords() []Record {
	return s.records
}

func (s *segment) openFile(overwrite bool) error {
	var err error
	if overwrite {
		s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.ModePerm)
	} else {
		s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, os.ModePerm)
	}
	return err
}

// parseRecords scans a segment file. A truncated tail, produced by a crash in
// the middle of a batch write, ends the scan without error: records past the
// truncation point were never acknowledged as durable.
func (s *segment) parseRecords() error {
	segmentBytes, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrap(err, "read journal segment failed, path: "+s.path)
	}

	var records []Record
	segmentLen := uint64(len(segmentBytes))
	var pos uint64
	for {
		if segmentLen-pos < batchHeaderLength {
			break
		}
		batchLen := binary.LittleEndian.Uint64(segmentBytes[pos : pos+batchHeaderLength])
		pos += batchHeaderLength
		if segmentLen-pos < batchLen {
			break
		}
		batchEnd := pos + batchLen
		batchRecords, parseErr := parseBatch(segmentBytes[pos:batchEnd])
		if parseErr != nil {
			return errors.Wrap(parseErr, "parse journal batch error, path: "+s.path)
		}
		records = append(records, batchRecords...)
		pos = batchEnd
	}
	s.records = records
	return nil
}

func parseBatch(data []byte) ([]Record, error) {
	var records []Record
	var pos uint64
	dataLen := uint64(len(data))
	for pos < dataLen {
		if dataLen-pos < 8 {
			return nil, errors.New("record length header truncated inside a batch")
		}
		recLen := binary.LittleEndian.Uint64(data[pos : pos+8])
		pos += 8
		if dataLen-pos < recLen {
			return nil, errors.New("record truncated inside a batch")
		}
		record, err := parseRecord(data[pos : pos+recLen])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
		pos += recLen
	}
	return records, nil
}

func parseRecord(data []byte) (Record, error) {
	minLen := uint64(recordMetaLength - 8)
	if uint64(len(data)) < minLen {
		return Record{}, errors.New("record shorter than its fixed fields")
	}
	var pos uint64
	txIDLen := uint64(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if uint64(len(data)) < minLen+txIDLen {
		return Record{}, errors.New("record transaction ID truncated")
	}
	txID := string(data[pos : pos+txIDLen])
	pos += txIDLen
	kind := Kind(data[pos])
	pos++
	seq := binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	unixNano := binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	payload, err := snappy.Decode(nil, data[pos:])
	if err != nil {
		return Record{}, errors.Wrap(err, "decode record payload error")
	}
	return Record{
		TxID:    txID,
		Kind:    kind,
		Seq:     seq,
		Time:    time.Unix(0, int64(unixNano)),
		Payload: payload,
	}, nil
}

func segmentName(segmentID uint64) string {
	return fmt.Sprintf("%v%016x%v", segmentNamePrefix, segmentID, segmentNameSuffix)
}

// Parse segment ID. segmentName example: seg0000000000000001.jnl.
func parseSegmentID(segmentName string) (uint64, error) {
	if len(segmentName) != len(segmentNamePrefix)+16+len(segmentNameSuffix) {
		return 0, errors.New("invalid segment name: " + segmentName)
	}
	if !strings.HasPrefix(segmentName, segmentNamePrefix) {
		return 0, errors.New("invalid segment name: " + segmentName)
	}
	if !strings.HasSuffix(segmentName, segmentNameSuffix) {
		return 0, errors.New("invalid segment name: " + segmentName)
	}
	return strconv.ParseUint(segmentName[len(segmentNamePrefix):len(segmentNamePrefix)+16], 16, 64)
}
