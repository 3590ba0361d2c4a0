// Package azure implements pkg/reliableq/resource.ClientFactory against the
// real Azure Storage SDKs: aztables for the KV table capability, azblob (plus
// its lease sub-package) for blob, and azqueue for the notification queue.
// This is the only package in the module that imports an Azure SDK type.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
)

// Factory constructs Azure-backed clients. It holds no state of its own: all
// caching lives in resource.Broker.
//
// connectionString accepts either a classic Azure Storage account
// connection string (AccountName=...;AccountKey=...) or, for hosts that
// prefer identity-based auth, a bare "https://<account>.<service>.core.windows.net/"
// endpoint URL — in the latter case DefaultAzureCredential is used, mirroring
// the teacher's pkg/storage/blob/adapters/azureblob.New.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func isEndpointURL(connectionString string) bool {
	return strings.HasPrefix(connectionString, "https://") || strings.HasPrefix(connectionString, "http://")
}

func (Factory) NewTableClient(connectionString, tableName string) (resource.TableClient, error) {
	if isEndpointURL(connectionString) {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		client, err := aztables.NewClient(strings.TrimRight(connectionString, "/")+"/"+tableName, cred, nil)
		if err != nil {
			return nil, err
		}
		return &tableClient{client: client}, nil
	}
	client, err := aztables.NewClientFromConnectionString(connectionString, tableName, nil)
	if err != nil {
		return nil, err
	}
	return &tableClient{client: client}, nil
}

func (Factory) NewBlobContainerClient(connectionString, containerName string) (resource.BlobContainerClient, error) {
	var svc *azblob.Client
	var err error
	if isEndpointURL(connectionString) {
		var cred azcore.TokenCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		svc, err = azblob.NewClient(connectionString, cred, nil)
	} else {
		svc, err = azblob.NewClientFromConnectionString(connectionString, nil)
	}
	if err != nil {
		return nil, err
	}
	return &blobContainerClient{service: svc, container: svc.ServiceClient().NewContainerClient(containerName), containerName: containerName}, nil
}

func (Factory) NewQueueClient(connectionString, queueName string) (resource.QueueClient, error) {
	var svc *azqueue.ServiceClient
	var err error
	if isEndpointURL(connectionString) {
		var cred azcore.TokenCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		svc, err = azqueue.NewServiceClient(connectionString, cred, nil)
	} else {
		svc, err = azqueue.NewServiceClientFromConnectionString(connectionString, nil)
	}
	if err != nil {
		return nil, err
	}
	return &queueClient{client: svc.NewQueueClient(queueName)}, nil
}

// --- status-code classification, shared by all three sub-adapters ---

func statusCode(err error) (int, bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, true
	}
	return 0, false
}

func isNotFound(err error) bool {
	code, ok := statusCode(err)
	return ok && code == http.StatusNotFound
}

func isConflict(err error) bool {
	code, ok := statusCode(err)
	return ok && code == http.StatusConflict
}

func isPreconditionFailed(err error) bool {
	code, ok := statusCode(err)
	return ok && code == http.StatusPreconditionFailed
}

// --- table ---

type tableClient struct {
	client *aztables.Client
}

func (t *tableClient) EnsureExists(ctx context.Context) error {
	_, err := t.client.CreateTable(ctx, nil)
	if err != nil && isConflict(err) {
		return nil
	}
	return err
}

func encodeEntity(e resource.TableEntity) ([]byte, error) {
	row := map[string]any{
		"PartitionKey": e.PartitionKey,
		"RowKey":       e.RowKey,
	}
	for k, v := range e.Properties {
		row[k] = v
	}
	return json.Marshal(row)
}

func decodeEntity(raw []byte, etag string, timestamp time.Time) (resource.TableEntity, error) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return resource.TableEntity{}, err
	}
	partitionKey, _ := row["PartitionKey"].(string)
	rowKey, _ := row["RowKey"].(string)
	delete(row, "PartitionKey")
	delete(row, "RowKey")
	delete(row, "Timestamp")
	delete(row, "odata.etag")
	return resource.TableEntity{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		ETag:         etag,
		Timestamp:    timestamp,
		Properties:   row,
	}, nil
}

func (t *tableClient) Insert(ctx context.Context, entity resource.TableEntity) (resource.TableEntity, error) {
	body, err := encodeEntity(entity)
	if err != nil {
		return resource.TableEntity{}, err
	}
	resp, err := t.client.AddEntity(ctx, body, nil)
	if err != nil {
		if isConflict(err) {
			return resource.TableEntity{}, resource.ErrConflict
		}
		if isNotFound(err) {
			return resource.TableEntity{}, resource.ErrTableNotFound
		}
		return resource.TableEntity{}, err
	}
	entity.ETag = string(resp.ETag)
	entity.Timestamp = time.Now().UTC()
	// Prefer the Timestamp the table service assigned, echoed back in the
	// response body; the local clock is only a fallback.
	var stored struct {
		Timestamp time.Time `json:"Timestamp"`
	}
	if json.Unmarshal(resp.Value, &stored) == nil && !stored.Timestamp.IsZero() {
		entity.Timestamp = stored.Timestamp
	}
	return entity, nil
}

func (t *tableClient) Merge(ctx context.Context, entity resource.TableEntity) (resource.TableEntity, error) {
	body, err := encodeEntity(entity)
	if err != nil {
		return resource.TableEntity{}, err
	}
	resp, err := t.client.UpdateEntity(ctx, body, &aztables.UpdateEntityOptions{
		UpdateMode: aztables.UpdateModeMerge,
	})
	if err != nil {
		if isNotFound(err) {
			return resource.TableEntity{}, resource.ErrEntityNotFound
		}
		return resource.TableEntity{}, err
	}
	entity.ETag = string(resp.ETag)
	return entity, nil
}

func (t *tableClient) Replace(ctx context.Context, entity resource.TableEntity) (resource.TableEntity, error) {
	body, err := encodeEntity(entity)
	if err != nil {
		return resource.TableEntity{}, err
	}
	etag := azcore.ETag(entity.ETag)
	resp, err := t.client.UpdateEntity(ctx, body, &aztables.UpdateEntityOptions{
		UpdateMode: aztables.UpdateModeReplace,
		IfMatch:    &etag,
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return resource.TableEntity{}, resource.ErrPreconditionFailed
		}
		if isNotFound(err) {
			return resource.TableEntity{}, resource.ErrEntityNotFound
		}
		return resource.TableEntity{}, err
	}
	entity.ETag = string(resp.ETag)
	return entity, nil
}

func (t *tableClient) Retrieve(ctx context.Context, partitionKey, rowKey string) (resource.TableEntity, error) {
	resp, err := t.client.GetEntity(ctx, partitionKey, rowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return resource.TableEntity{}, resource.ErrEntityNotFound
		}
		return resource.TableEntity{}, err
	}
	return decodeEntity(resp.Value, string(resp.ETag), time.Now().UTC())
}

func (t *tableClient) Query(ctx context.Context, filter resource.Filter) ([]resource.TableEntity, error) {
	odata := toODataFilter(filter)
	pager := t.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &odata})

	var out []resource.TableEntity
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return nil, resource.ErrTableNotFound
			}
			return nil, err
		}
		for _, raw := range page.Entities {
			var meta struct {
				Timestamp time.Time `json:"Timestamp"`
			}
			_ = json.Unmarshal(raw, &meta)
			entity, err := decodeEntity(raw, "", meta.Timestamp)
			if err != nil {
				return nil, err
			}
			out = append(out, entity)
		}
	}
	// The service lists rows by (PartitionKey, RowKey); the contract is
	// storage-timestamp order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (t *tableClient) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_, err := t.client.DeleteEntity(ctx, partitionKey, rowKey, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func toODataFilter(filter resource.Filter) string {
	var buf bytes.Buffer
	first := true
	for column, value := range filter.Clauses() {
		if !first {
			buf.WriteString(" and ")
		}
		first = false
		buf.WriteString(column)
		buf.WriteString(" eq '")
		buf.WriteString(value)
		buf.WriteString("'")
	}
	return buf.String()
}

// --- blob ---

type blobContainerClient struct {
	service       *azblob.Client
	container     *container.Client
	containerName string
}

func (b *blobContainerClient) EnsureExists(ctx context.Context) error {
	_, err := b.container.Create(ctx, nil)
	if err != nil && isConflict(err) {
		return nil
	}
	return err
}

func (b *blobContainerClient) blobLeaseClient(blobName string) (*lease.BlobClient, error) {
	blobClient := b.container.NewBlobClient(blobName)
	return lease.NewBlobClient(blobClient, nil)
}

func (b *blobContainerClient) AcquireLease(ctx context.Context, blobName string, duration time.Duration) (string, error) {
	leaseClient, err := b.blobLeaseClient(blobName)
	if err != nil {
		return "", err
	}
	seconds := int32(duration.Seconds())
	resp, err := leaseClient.AcquireLease(ctx, seconds, nil)
	if err != nil {
		if isNotFound(err) {
			return "", resource.ErrBlobNotFound
		}
		if isConflict(err) {
			return "", resource.ErrLeaseAlreadyPresent
		}
		return "", err
	}
	return string(*resp.LeaseID), nil
}

func (b *blobContainerClient) ReleaseLease(ctx context.Context, blobName, leaseID string) error {
	blobClient := b.container.NewBlobClient(blobName)
	leaseClient, err := lease.NewBlobClient(blobClient, &lease.BlobClientOptions{LeaseID: &leaseID})
	if err != nil {
		return err
	}
	_, err = leaseClient.ReleaseLease(ctx, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func (b *blobContainerClient) Upload(ctx context.Context, blobName string, data []byte, leaseID string) error {
	var opts *azblob.UploadBufferOptions
	if leaseID != "" {
		opts = &azblob.UploadBufferOptions{AccessConditions: leaseAccessConditions(leaseID)}
	}
	_, err := b.service.UploadBuffer(ctx, b.containerName, blobName, data, opts)
	return err
}

func (b *blobContainerClient) Download(ctx context.Context, blobName string) ([]byte, error) {
	resp, err := b.service.DownloadStream(ctx, b.containerName, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, resource.ErrBlobNotFound
		}
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *blobContainerClient) Delete(ctx context.Context, blobName, leaseID string) error {
	var opts *azblob.DeleteBlobOptions
	if leaseID != "" {
		opts = &azblob.DeleteBlobOptions{AccessConditions: leaseAccessConditions(leaseID)}
	}
	_, err := b.service.DeleteBlob(ctx, b.containerName, blobName, opts)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// leaseAccessConditions builds the AccessConditions asserting leaseID holds
// the active lease; split out so both Upload and Delete share one
// construction site.
func leaseAccessConditions(leaseID string) *azblob.AccessConditions {
	return &azblob.AccessConditions{
		LeaseAccessConditions: &azblob.LeaseAccessConditions{LeaseID: &leaseID},
	}
}

// --- queue ---

type queueClient struct {
	client *azqueue.QueueClient
}

func (q *queueClient) EnsureExists(ctx context.Context) error {
	_, err := q.client.Create(ctx, nil)
	if err != nil && isConflict(err) {
		return nil
	}
	return err
}

func (q *queueClient) Enqueue(ctx context.Context, payload []byte) error {
	_, err := q.client.EnqueueMessage(ctx, string(payload), nil)
	if err != nil && isNotFound(err) {
		return resource.ErrQueueNotFound
	}
	return err
}

func (q *queueClient) Receive(ctx context.Context, max int) ([]resource.QueueMessage, error) {
	n := int32(max)
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: &n})
	if err != nil {
		if isNotFound(err) {
			return nil, resource.ErrQueueNotFound
		}
		return nil, err
	}
	out := make([]resource.QueueMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		var body string
		if m.MessageText != nil {
			body = *m.MessageText
		}
		out = append(out, resource.QueueMessage{ID: *m.MessageID, PopReceipt: *m.PopReceipt, Body: []byte(body)})
	}
	return out, nil
}

func (q *queueClient) Delete(ctx context.Context, id, popReceipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, popReceipt, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

