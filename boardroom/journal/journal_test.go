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

package journal_test

import (
	"fmt"
	"os"
	"sync"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/boardroomdb/boardroom/boardroom/journal"
)

var _ = ginkgo.Describe("Journal", func() {
	var (
		jnl     journal.Journal
		path    string
		options *journal.Options
	)

	ginkgo.BeforeEach(func() {
		var err error
		path, err = os.MkdirTemp("", "journal-test-*")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		options = &journal.Options{
			FileSize:   1 << 20,
			BufferSize: 1 << 14,
		}
		jnl, err = journal.New(path, options)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		if jnl != nil {
			_ = jnl.Close()
		}
		gomega.Expect(os.RemoveAll(path)).To(gomega.Succeed())
	})

	ginkgo.Context("Write and Read", func() {
		ginkgo.It("persists records across a reopen", func() {
			var wg sync.WaitGroup
			wg.Add(50)
			for i := 0; i < 50; i++ {
				go func(idx int) {
					defer wg.Done()
					err := jnl.WriteSync(journal.Record{
						TxID:    fmt.Sprintf("tx-%03d", idx),
						Kind:    journal.Kind(idx % 5),
						Payload: []byte(fmt.Sprintf("payload-%d", idx)),
					})
					gomega.Expect(err).ToNot(gomega.HaveOccurred())
				}(i)
			}
			wg.Wait()

			gomega.Expect(jnl.Close()).To(gomega.Succeed())
			var err error
			jnl, err = journal.New(path, options)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			segments, err := jnl.ReadAllSegments()
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			seen := make(map[string][]byte)
			var lastSeq uint64
			for _, seg := range segments {
				for _, record := range seg.GetRecords() {
					seen[record.TxID] = record.Payload
					if record.Seq > lastSeq {
						lastSeq = record.Seq
					}
				}
			}
			gomega.Expect(seen).To(gomega.HaveLen(50))
			for i := 0; i < 50; i++ {
				gomega.Expect(seen[fmt.Sprintf("tx-%03d", i)]).
					To(gomega.Equal([]byte(fmt.Sprintf("payload-%d", i))))
			}
			gomega.Expect(lastSeq).To(gomega.Equal(uint64(50)))
		})

		ginkgo.It("keeps assigning sequence numbers after a reopen", func() {
			gomega.Expect(jnl.WriteSync(journal.Record{TxID: "a"})).To(gomega.Succeed())
			gomega.Expect(jnl.Close()).To(gomega.Succeed())

			var err error
			jnl, err = journal.New(path, options)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(jnl.WriteSync(journal.Record{TxID: "b"})).To(gomega.Succeed())
			gomega.Expect(jnl.Close()).To(gomega.Succeed())

			jnl, err = journal.New(path, options)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			segments, err := jnl.ReadAllSegments()
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			seqs := make(map[string]uint64)
			for _, seg := range segments {
				for _, record := range seg.GetRecords() {
					seqs[record.TxID] = record.Seq
				}
			}
			gomega.Expect(seqs["b"]).To(gomega.BeNumerically(">", seqs["a"]))
		})
	})

	ginkgo.Context("Rotate and Delete", func() {
		ginkgo.It("moves writes to a fresh segment and deletes the closed one", func() {
			gomega.Expect(jnl.WriteSync(journal.Record{TxID: "before-rotate"})).To(gomega.Succeed())

			closed, err := jnl.Rotate()
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			gomega.Expect(jnl.WriteSync(journal.Record{TxID: "after-rotate"})).To(gomega.Succeed())
			gomega.Expect(jnl.Delete(closed.GetSegmentID())).To(gomega.Succeed())

			segments, err := jnl.ReadAllSegments()
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			for _, seg := range segments {
				gomega.Expect(seg.GetSegmentID()).ToNot(gomega.Equal(closed.GetSegmentID()))
			}
		})

		ginkgo.It("refuses to delete the working segment", func() {
			segments, err := jnl.ReadAllSegments()
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(segments).To(gomega.HaveLen(1))
			gomega.Expect(jnl.Delete(segments[0].GetSegmentID())).ToNot(gomega.Succeed())
		})
	})

	ginkgo.Context("Close", func() {
		ginkgo.It("fails writes issued after close", func() {
			gomega.Expect(jnl.Close()).To(gomega.Succeed())
			done := make(chan error, 1)
			jnl.Write(journal.Record{TxID: "late"}, func(_ journal.Record, err error) {
				done <- err
			})
			gomega.Expect(<-done).To(gomega.MatchError(journal.ErrClosed))
			jnl = nil
		})
	})
})
