package rqtest

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
)

// FakeFactory is an in-memory resource.ClientFactory. One FakeFactory models
// one storage account: every (connectionString, resourceName) pair maps to
// its own table/container/queue, shared across every client handed out for
// that pair, just like the real SDKs share one underlying REST resource.
type FakeFactory struct {
	mu     sync.Mutex
	tables map[string]*FakeTable
	blobs  map[string]*FakeContainer
	queues map[string]*FakeQueue
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		tables: make(map[string]*FakeTable),
		blobs:  make(map[string]*FakeContainer),
		queues: make(map[string]*FakeQueue),
	}
}

func (f *FakeFactory) NewTableClient(connectionString, tableName string) (resource.TableClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := connectionString + "|" + tableName
	t, ok := f.tables[key]
	if !ok {
		t = newFakeTable()
		f.tables[key] = t
	}
	return t, nil
}

func (f *FakeFactory) NewBlobContainerClient(connectionString, containerName string) (resource.BlobContainerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := connectionString + "|" + containerName
	c, ok := f.blobs[key]
	if !ok {
		c = newFakeContainer()
		f.blobs[key] = c
	}
	return c, nil
}

func (f *FakeFactory) NewQueueClient(connectionString, queueName string) (resource.QueueClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := connectionString + "|" + queueName
	q, ok := f.queues[key]
	if !ok {
		q = newFakeQueue()
		f.queues[key] = q
	}
	return q, nil
}

// DropTable simulates the table having been deleted out-of-band, so the next
// operation observes resource.ErrTableNotFound and the caller's
// create-and-retry-once logic gets exercised (spec §4.4).
func (f *FakeFactory) DropTable(connectionString, tableName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Reset the shared table in place, so clients already handed out (and
	// cached by resource.Broker) observe the drop too.
	if t, ok := f.tables[connectionString+"|"+tableName]; ok {
		t.mu.Lock()
		t.created = false
		t.rows = make(map[string]*fakeRow)
		t.mu.Unlock()
	}
}

// --- table ---

type fakeRow struct {
	entity resource.TableEntity
	seq    int64 // insertion order, stands in for storage Timestamp ordering
}

// FakeTable is an in-memory resource.TableClient.
type FakeTable struct {
	mu      sync.Mutex
	created bool
	rows    map[string]*fakeRow // key = partitionKey+"/"+rowKey
	nextTag int64
	nextSeq int64
}

func newFakeTable() *FakeTable {
	return &FakeTable{rows: make(map[string]*fakeRow)}
}

func rowKey(partitionKey, rowKey string) string { return partitionKey + "/" + rowKey }

func (t *FakeTable) EnsureExists(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = true
	return nil
}

func (t *FakeTable) newETag() string {
	t.nextTag++
	return time.Now().UTC().Format(time.RFC3339Nano) + "-" + itoa(t.nextTag)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (t *FakeTable) Insert(ctx context.Context, entity resource.TableEntity) (resource.TableEntity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.created {
		return resource.TableEntity{}, resource.ErrTableNotFound
	}
	k := rowKey(entity.PartitionKey, entity.RowKey)
	if _, exists := t.rows[k]; exists {
		return resource.TableEntity{}, resource.ErrConflict
	}
	entity.ETag = t.newETag()
	entity.Timestamp = time.Now().UTC()
	t.nextSeq++
	t.rows[k] = &fakeRow{entity: cloneEntity(entity), seq: t.nextSeq}
	return cloneEntity(entity), nil
}

func (t *FakeTable) Merge(ctx context.Context, entity resource.TableEntity) (resource.TableEntity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.created {
		return resource.TableEntity{}, resource.ErrTableNotFound
	}
	k := rowKey(entity.PartitionKey, entity.RowKey)
	row, ok := t.rows[k]
	if !ok {
		return resource.TableEntity{}, resource.ErrEntityNotFound
	}
	for prop, v := range entity.Properties {
		row.entity.Properties[prop] = v
	}
	row.entity.ETag = t.newETag()
	row.entity.Timestamp = time.Now().UTC()
	return cloneEntity(row.entity), nil
}

func (t *FakeTable) Replace(ctx context.Context, entity resource.TableEntity) (resource.TableEntity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.created {
		return resource.TableEntity{}, resource.ErrTableNotFound
	}
	k := rowKey(entity.PartitionKey, entity.RowKey)
	row, ok := t.rows[k]
	if !ok {
		return resource.TableEntity{}, resource.ErrEntityNotFound
	}
	if entity.ETag != "" && entity.ETag != row.entity.ETag {
		return resource.TableEntity{}, resource.ErrPreconditionFailed
	}
	entity.ETag = t.newETag()
	entity.Timestamp = time.Now().UTC()
	row.entity = cloneEntity(entity)
	return cloneEntity(entity), nil
}

func (t *FakeTable) Retrieve(ctx context.Context, partitionKey, rowKeyStr string) (resource.TableEntity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.created {
		return resource.TableEntity{}, resource.ErrTableNotFound
	}
	row, ok := t.rows[rowKey(partitionKey, rowKeyStr)]
	if !ok {
		return resource.TableEntity{}, resource.ErrEntityNotFound
	}
	return cloneEntity(row.entity), nil
}

func (t *FakeTable) Query(ctx context.Context, filter resource.Filter) ([]resource.TableEntity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.created {
		return nil, resource.ErrTableNotFound
	}
	clauses := filter.Clauses()
	rows := make([]*fakeRow, 0)
	for _, row := range t.rows {
		if matches(row.entity, clauses) {
			rows = append(rows, row)
		}
	}
	// storage-timestamp order, i.e. insertion order in this fake.
	for i := 1; i < len(rows); i++ {
		j := i
		for j > 0 && rows[j].seq < rows[j-1].seq {
			rows[j], rows[j-1] = rows[j-1], rows[j]
			j--
		}
	}
	out := make([]resource.TableEntity, len(rows))
	for i, row := range rows {
		out[i] = cloneEntity(row.entity)
	}
	return out, nil
}

func matches(e resource.TableEntity, clauses map[string]string) bool {
	for col, val := range clauses {
		switch col {
		case "PartitionKey":
			if e.PartitionKey != val {
				return false
			}
		case "RowKey":
			if e.RowKey != val {
				return false
			}
		default:
			v, ok := e.Properties[col]
			if !ok {
				return false
			}
			s, ok := v.(string)
			if !ok || s != val {
				return false
			}
		}
	}
	return true
}

func (t *FakeTable) Delete(ctx context.Context, partitionKey, rowKeyStr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.created {
		return resource.ErrTableNotFound
	}
	delete(t.rows, rowKey(partitionKey, rowKeyStr))
	return nil
}

func cloneEntity(e resource.TableEntity) resource.TableEntity {
	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	e.Properties = props
	return e
}

// --- blob ---

type fakeBlob struct {
	data       []byte
	leaseID    string
	leaseUntil time.Time
}

// FakeContainer is an in-memory resource.BlobContainerClient with honest
// single-writer lease semantics (spec §4.3).
type FakeContainer struct {
	mu      sync.Mutex
	created bool
	blobs   map[string]*fakeBlob
	nextID  int64
}

func newFakeContainer() *FakeContainer {
	return &FakeContainer{blobs: make(map[string]*fakeBlob)}
}

func (c *FakeContainer) EnsureExists(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = true
	return nil
}

func (c *FakeContainer) AcquireLease(ctx context.Context, blobName string, duration time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[blobName]
	if !ok {
		return "", resource.ErrBlobNotFound
	}
	now := time.Now()
	if b.leaseID != "" && b.leaseUntil.After(now) {
		return "", resource.ErrLeaseAlreadyPresent
	}
	c.nextID++
	b.leaseID = itoa(c.nextID)
	b.leaseUntil = now.Add(duration)
	return b.leaseID, nil
}

func (c *FakeContainer) ReleaseLease(ctx context.Context, blobName, leaseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[blobName]
	if !ok {
		return nil
	}
	if b.leaseID == leaseID {
		b.leaseID = ""
		b.leaseUntil = time.Time{}
	}
	return nil
}

func (c *FakeContainer) checkLease(b *fakeBlob, leaseID string) error {
	if b.leaseID == "" || b.leaseUntil.Before(time.Now()) {
		return nil // no active lease to assert against
	}
	if b.leaseID != leaseID {
		return resource.ErrLeaseAlreadyPresent
	}
	return nil
}

func (c *FakeContainer) Upload(ctx context.Context, blobName string, data []byte, leaseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[blobName]
	if !ok {
		b = &fakeBlob{}
		c.blobs[blobName] = b
	} else if err := c.checkLease(b, leaseID); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data = cp
	return nil
}

func (c *FakeContainer) Download(ctx context.Context, blobName string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[blobName]
	if !ok {
		return nil, resource.ErrBlobNotFound
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp, nil
}

func (c *FakeContainer) Delete(ctx context.Context, blobName, leaseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[blobName]
	if !ok {
		return nil
	}
	if err := c.checkLease(b, leaseID); err != nil {
		return err
	}
	delete(c.blobs, blobName)
	return nil
}

// --- queue ---

type fakeQueueItem struct {
	id         string
	popReceipt string
	body       []byte
	visible    bool
}

// FakeQueue is an in-memory resource.QueueClient. Receive makes messages
// invisible until Delete is called, mirroring Azure Queue visibility
// semantics closely enough for this module's retry paths.
type FakeQueue struct {
	mu     sync.Mutex
	items  []*fakeQueueItem
	nextID int64
}

func newFakeQueue() *FakeQueue {
	return &FakeQueue{}
}

func (q *FakeQueue) EnsureExists(ctx context.Context) error { return nil }

func (q *FakeQueue) Enqueue(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.items = append(q.items, &fakeQueueItem{id: itoa(q.nextID), body: cp, visible: true})
	return nil
}

func (q *FakeQueue) Receive(ctx context.Context, max int) ([]resource.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []resource.QueueMessage
	for _, item := range q.items {
		if len(out) >= max {
			break
		}
		if !item.visible {
			continue
		}
		item.visible = false
		item.popReceipt = item.id + "-pop"
		out = append(out, resource.QueueMessage{ID: item.id, PopReceipt: item.popReceipt, Body: item.body})
	}
	return out, nil
}

func (q *FakeQueue) Delete(ctx context.Context, id, popReceipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.id == id && item.popReceipt == popReceipt {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len reports how many messages remain on the queue (visible or not); a test
// helper for asserting on enqueue/delete behavior.
func (q *FakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
